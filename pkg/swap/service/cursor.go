package service

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veilswap/middleware/pkg/swapdb"
)

// cursor is the opaque keyset-pagination token handed to clients. It pins
// the position after the last returned row and snapshots the filters the
// page was built with, so a cursor cannot be replayed against a different
// query.
type cursor struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`
	Status      string    `json:"status,omitempty"`
	NetworkFrom string    `json:"network_from,omitempty"`
	NetworkTo   string    `json:"network_to,omitempty"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (cursor, error) {
	var c cursor
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return c, fmt.Errorf("malformed cursor: missing position")
	}
	return c, nil
}

// matchesFilter reports whether the cursor was issued for the same filter
// set as the current request.
func (c cursor) matchesFilter(filter swapdb.SwapFilter) bool {
	return c.Status == string(filter.Status) &&
		c.NetworkFrom == filter.NetworkFrom &&
		c.NetworkTo == filter.NetworkTo
}
