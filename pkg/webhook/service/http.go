package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/veilswap/middleware/pkg/app/errors"
	apphttp "github.com/veilswap/middleware/pkg/app/http"
	"github.com/veilswap/middleware/pkg/auth"
	"github.com/veilswap/middleware/pkg/webhook"
)

// Handler exposes webhook administration over HTTP. Every route requires
// an admin bearer token.
type Handler struct {
	svc    *Service
	auth   *auth.Service
	logger *zap.Logger
}

func NewHandler(svc *Service, authSvc *auth.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, auth: authSvc, logger: logger}
}

// Routes mounts the webhook admin API on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware(true))
		r.Post("/v1/webhook-endpoints", apphttp.HandleError(h.createEndpoint))
		r.Get("/v1/webhook-endpoints", apphttp.HandleError(h.listEndpoints))
		r.Get("/v1/webhook-endpoints/{id}", apphttp.HandleError(h.getEndpoint))
		r.Put("/v1/webhook-endpoints/{id}", apphttp.HandleError(h.updateEndpoint))
		r.Delete("/v1/webhook-endpoints/{id}", apphttp.HandleError(h.deleteEndpoint))
		r.Post("/v1/webhook-deliveries/{id}/replay", apphttp.HandleError(h.replayDelivery))
	})
}

type endpointResponse struct {
	ID                 string              `json:"id"`
	URL                string              `json:"url"`
	Secret             string              `json:"secret,omitempty"`
	Enabled            bool                `json:"enabled"`
	Events             []webhook.EventType `json:"events"`
	RateLimitPerSecond float64             `json:"rate_limit_per_second"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// toEndpointResponse renders an endpoint. The signing secret is included
// only when withSecret is set, which happens once at creation.
func toEndpointResponse(e *webhook.Endpoint, withSecret bool) *endpointResponse {
	resp := &endpointResponse{
		ID:                 e.ID,
		URL:                e.URL,
		Enabled:            e.Enabled,
		Events:             e.Events,
		RateLimitPerSecond: e.RateLimitPerSecond,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	if withSecret {
		resp.Secret = e.Secret
	}
	return resp
}

func (h *Handler) createEndpoint(w http.ResponseWriter, r *http.Request) error {
	var params EndpointParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return apperrors.BadRequestError(err, "invalid request body")
	}

	e, err := h.svc.CreateEndpoint(r.Context(), params)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, toEndpointResponse(e, true))
}

func (h *Handler) listEndpoints(w http.ResponseWriter, r *http.Request) error {
	endpoints, err := h.svc.ListEndpoints(r.Context())
	if err != nil {
		return err
	}

	out := make([]*endpointResponse, len(endpoints))
	for i, e := range endpoints {
		out[i] = toEndpointResponse(e, false)
	}
	return writeJSON(w, http.StatusOK, map[string]any{"endpoints": out})
}

func (h *Handler) getEndpoint(w http.ResponseWriter, r *http.Request) error {
	e, err := h.svc.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, toEndpointResponse(e, false))
}

func (h *Handler) updateEndpoint(w http.ResponseWriter, r *http.Request) error {
	var params EndpointParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return apperrors.BadRequestError(err, "invalid request body")
	}

	e, err := h.svc.UpdateEndpoint(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, toEndpointResponse(e, false))
}

func (h *Handler) deleteEndpoint(w http.ResponseWriter, r *http.Request) error {
	if err := h.svc.DeleteEndpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) replayDelivery(w http.ResponseWriter, r *http.Request) error {
	if err := h.svc.ReplayDelivery(r.Context(), chi.URLParam(r, "id")); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"status": "requeued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
