// Package swapdb holds all the migrations for the swap middleware database
package swapdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the collection of all migrations for the swap middleware database
var Migrations = migrate.NewMigrations()
