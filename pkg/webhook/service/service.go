// Package service exposes webhook endpoint management and dead letter
// replay over the admin HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/veilswap/middleware/pkg/app/errors"
	"github.com/veilswap/middleware/pkg/swapdb"
	"github.com/veilswap/middleware/pkg/webhook"
)

// Store is the persistence surface the admin service needs.
type Store interface {
	CreateEndpoint(ctx context.Context, e *webhook.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*webhook.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*webhook.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *webhook.Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	ReplayFromDLQ(ctx context.Context, id string) error
}

// Service manages webhook endpoint registrations.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// EndpointParams describes an endpoint registration or update.
type EndpointParams struct {
	URL                string              `json:"url"`
	Events             []webhook.EventType `json:"events"`
	RateLimitPerSecond float64             `json:"rate_limit_per_second"`
	Enabled            *bool               `json:"enabled"`
}

func (p EndpointParams) validate() error {
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.BadRequestError(
			fmt.Errorf("invalid endpoint url %q", p.URL), "url must be a valid http(s) URL")
	}
	for _, ev := range p.Events {
		if !ev.Valid() {
			return apperrors.BadRequestError(
				fmt.Errorf("unknown event type %q", ev),
				fmt.Sprintf("unknown event type %s", ev))
		}
	}
	if p.RateLimitPerSecond < 0 {
		return apperrors.BadRequestError(
			fmt.Errorf("negative rate limit"), "rate_limit_per_second must not be negative")
	}
	return nil
}

// CreateEndpoint registers a destination and mints its signing secret. The
// secret is returned exactly once, on creation.
func (s *Service) CreateEndpoint(ctx context.Context, params EndpointParams) (*webhook.Endpoint, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	secret, err := webhook.GenerateSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	e := &webhook.Endpoint{
		ID:                 uuid.NewString(),
		URL:                params.URL,
		Secret:             secret,
		Enabled:            true,
		Events:             params.Events,
		RateLimitPerSecond: params.RateLimitPerSecond,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if params.Enabled != nil {
		e.Enabled = *params.Enabled
	}
	if err := s.store.CreateEndpoint(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create webhook endpoint: %w", err)
	}

	s.logger.Info("webhook endpoint registered",
		zap.String("endpoint_id", e.ID),
		zap.String("url", e.URL))
	return e, nil
}

// GetEndpoint returns one registered endpoint.
func (s *Service) GetEndpoint(ctx context.Context, id string) (*webhook.Endpoint, error) {
	e, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		if errors.Is(err, swapdb.ErrEndpointNotFound) {
			return nil, apperrors.ResourceNotFoundError(err, "webhook endpoint not found")
		}
		return nil, fmt.Errorf("failed to load webhook endpoint: %w", err)
	}
	return e, nil
}

// ListEndpoints returns all registered endpoints.
func (s *Service) ListEndpoints(ctx context.Context) ([]*webhook.Endpoint, error) {
	return s.store.ListEndpoints(ctx)
}

// UpdateEndpoint changes an endpoint's destination, subscriptions, rate
// limit or enabled flag. The secret never changes.
func (s *Service) UpdateEndpoint(ctx context.Context, id string, params EndpointParams) (*webhook.Endpoint, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	e, err := s.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	e.URL = params.URL
	e.Events = params.Events
	e.RateLimitPerSecond = params.RateLimitPerSecond
	if params.Enabled != nil {
		e.Enabled = *params.Enabled
	}
	e.UpdatedAt = time.Now()

	if err := s.store.UpdateEndpoint(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update webhook endpoint: %w", err)
	}
	return e, nil
}

// DeleteEndpoint removes an endpoint registration.
func (s *Service) DeleteEndpoint(ctx context.Context, id string) error {
	if _, err := s.GetEndpoint(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteEndpoint(ctx, id); err != nil {
		return fmt.Errorf("failed to delete webhook endpoint: %w", err)
	}
	s.logger.Info("webhook endpoint deleted", zap.String("endpoint_id", id))
	return nil
}

// ReplayDelivery moves a dead-lettered delivery back into the retry queue
// with its attempt counter reset.
func (s *Service) ReplayDelivery(ctx context.Context, id string) error {
	if err := s.store.ReplayFromDLQ(ctx, id); err != nil {
		if errors.Is(err, swapdb.ErrDeliveryNotFound) {
			return apperrors.ResourceNotFoundError(err, "no dead-lettered delivery with that id")
		}
		return fmt.Errorf("failed to replay delivery: %w", err)
	}
	s.logger.Info("webhook delivery replayed from DLQ", zap.String("delivery_id", id))
	return nil
}
