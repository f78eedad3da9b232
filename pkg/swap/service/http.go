package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/veilswap/middleware/pkg/app/errors"
	apphttp "github.com/veilswap/middleware/pkg/app/http"
	"github.com/veilswap/middleware/pkg/auth"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/swapdb"
)

// Handler exposes the swap service over HTTP.
type Handler struct {
	svc    *Service
	auth   *auth.Service
	logger *zap.Logger
}

func NewHandler(svc *Service, authSvc *auth.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, auth: authSvc, logger: logger}
}

// Routes mounts the public swap API on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/v1/rates", apphttp.HandleError(h.getRates))
	r.Post("/v1/swaps", apphttp.HandleError(h.createSwap))
	r.Get("/v1/swaps/{id}", apphttp.HandleError(h.getSwap))
	r.Get("/v1/currencies", apphttp.HandleError(h.listCurrencies))
	r.Get("/v1/providers", apphttp.HandleError(h.listProviders))

	// Swap history exposes every swap on the platform, so it sits behind
	// a bearer token.
	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware(false))
		r.Get("/v1/swaps", apphttp.HandleError(h.listSwaps))
	})
}

type swapResponse struct {
	ID                 string          `json:"id"`
	Provider           string          `json:"provider"`
	TickerFrom         string          `json:"ticker_from"`
	NetworkFrom        string          `json:"network_from"`
	TickerTo           string          `json:"ticker_to"`
	NetworkTo          string          `json:"network_to"`
	AmountFrom         decimal.Decimal `json:"amount_from"`
	ExpectedAmountTo   decimal.Decimal `json:"expected_amount_to"`
	Rate               decimal.Decimal `json:"rate"`
	Commission         decimal.Decimal `json:"commission"`
	DepositAddress     string          `json:"deposit_address"`
	DepositMemo        string          `json:"deposit_memo,omitempty"`
	DestinationAddress string          `json:"destination_address"`
	DestinationMemo    string          `json:"destination_memo,omitempty"`
	RefundAddress      string          `json:"refund_address,omitempty"`
	DepositTxHash      string          `json:"deposit_tx_hash,omitempty"`
	PayoutTxHash       string          `json:"payout_tx_hash,omitempty"`
	Status             string          `json:"status"`
	ExpiresAt          time.Time       `json:"expires_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toSwapResponse(sw *swap.Swap) *swapResponse {
	return &swapResponse{
		ID:                 sw.ID,
		Provider:           sw.ProviderID,
		TickerFrom:         sw.TickerFrom,
		NetworkFrom:        sw.NetworkFrom,
		TickerTo:           sw.TickerTo,
		NetworkTo:          sw.NetworkTo,
		AmountFrom:         sw.AmountFrom,
		ExpectedAmountTo:   sw.ExpectedAmountTo,
		Rate:               sw.Rate,
		Commission:         sw.Commission,
		DepositAddress:     sw.DepositAddress,
		DepositMemo:        sw.DepositMemo,
		DestinationAddress: sw.DestinationAddress,
		DestinationMemo:    sw.DestinationMemo,
		RefundAddress:      sw.RefundAddress,
		DepositTxHash:      sw.DepositTxHash,
		PayoutTxHash:       sw.PayoutTxHash,
		Status:             string(sw.Status),
		ExpiresAt:          sw.ExpiresAt,
		CreatedAt:          sw.CreatedAt,
		UpdatedAt:          sw.UpdatedAt,
	}
}

func (h *Handler) getRates(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		return apperrors.BadRequestError(err, "invalid amount")
	}

	result, err := h.svc.GetRates(r.Context(), RateParams{
		TickerFrom:  q.Get("ticker_from"),
		NetworkFrom: q.Get("network_from"),
		TickerTo:    q.Get("ticker_to"),
		NetworkTo:   q.Get("network_to"),
		Amount:      amount,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

func (h *Handler) createSwap(w http.ResponseWriter, r *http.Request) error {
	var req CreateSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.BadRequestError(err, "invalid request body")
	}

	sw, err := h.svc.CreateSwap(r.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, toSwapResponse(sw))
}

func (h *Handler) getSwap(w http.ResponseWriter, r *http.Request) error {
	sw, err := h.svc.GetSwap(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, toSwapResponse(sw))
}

func (h *Handler) listSwaps(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return apperrors.BadRequestError(err, "invalid limit")
		}
	}

	page, err := h.svc.ListSwaps(r.Context(), ListParams{
		Status:      q.Get("status"),
		NetworkFrom: q.Get("network_from"),
		NetworkTo:   q.Get("network_to"),
		Limit:       limit,
		Cursor:      q.Get("cursor"),
	})
	if err != nil {
		return err
	}

	swaps := make([]*swapResponse, len(page.Swaps))
	for i, sw := range page.Swaps {
		swaps[i] = toSwapResponse(sw)
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"swaps":       swaps,
		"next_cursor": page.NextCursor,
	})
}

func (h *Handler) listCurrencies(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter := swapdb.CurrencyFilter{
		Ticker:  q.Get("ticker"),
		Network: q.Get("network"),
	}
	if raw := q.Get("memo"); raw != "" {
		memo, err := strconv.ParseBool(raw)
		if err != nil {
			return apperrors.BadRequestError(err, "invalid memo filter")
		}
		filter.Memo = &memo
	}

	currencies, err := h.svc.ListCurrencies(r.Context(), filter)
	if err != nil {
		return err
	}

	out := make([]currencyResponse, len(currencies))
	for i, c := range currencies {
		out[i] = currencyResponse{
			Symbol:       c.Symbol,
			Name:         c.Name,
			Network:      c.Network,
			LogoURL:      c.LogoURL,
			RequiresMemo: c.RequiresMemo,
			MinAmount:    c.MinAmount,
			MaxAmount:    c.MaxAmount,
		}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"currencies": out})
}

type currencyResponse struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Network      string          `json:"network"`
	LogoURL      string          `json:"logo_url,omitempty"`
	RequiresMemo bool            `json:"requires_memo"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter := swapdb.ProviderFilter{
		Rating: q.Get("rating"),
		Sort:   q.Get("sort"),
	}
	if raw := q.Get("markup"); raw != "" {
		markup, err := strconv.ParseBool(raw)
		if err != nil {
			return apperrors.BadRequestError(err, "invalid markup filter")
		}
		filter.MarkupEnabled = &markup
	}

	providers, err := h.svc.ListProviders(r.Context(), filter)
	if err != nil {
		return err
	}

	out := make([]providerResponse, len(providers))
	for i, p := range providers {
		out[i] = providerResponse{
			ID:                  p.ID,
			Name:                p.Name,
			KYCRating:           p.KYCRating,
			InsurancePercentage: p.InsurancePercentage,
			ETAMinutes:          p.ETAMinutes,
			MarkupEnabled:       p.MarkupEnabled,
		}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

type providerResponse struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	KYCRating           string          `json:"kyc_rating"`
	InsurancePercentage decimal.Decimal `json:"insurance_percentage"`
	ETAMinutes          int             `json:"eta_minutes"`
	MarkupEnabled       bool            `json:"markup_enabled"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}
