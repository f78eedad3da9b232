package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/veilswap/middleware/pkg/app/errors"
	"github.com/veilswap/middleware/pkg/auth"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/swapdb"
	"github.com/veilswap/middleware/pkg/webhook"
)

type mockStore struct {
	endpoints map[string]*webhook.Endpoint
	replayed  []string
	replayErr error
	deleted   []string
}

func newMockStore() *mockStore {
	return &mockStore{endpoints: make(map[string]*webhook.Endpoint)}
}

func (m *mockStore) CreateEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	m.endpoints[e.ID] = e
	return nil
}

func (m *mockStore) GetEndpoint(ctx context.Context, id string) (*webhook.Endpoint, error) {
	e, ok := m.endpoints[id]
	if !ok {
		return nil, swapdb.ErrEndpointNotFound
	}
	return e, nil
}

func (m *mockStore) ListEndpoints(ctx context.Context) ([]*webhook.Endpoint, error) {
	var out []*webhook.Endpoint
	for _, e := range m.endpoints {
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) UpdateEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	m.endpoints[e.ID] = e
	return nil
}

func (m *mockStore) DeleteEndpoint(ctx context.Context, id string) error {
	delete(m.endpoints, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockStore) ReplayFromDLQ(ctx context.Context, id string) error {
	if m.replayErr != nil {
		return m.replayErr
	}
	m.replayed = append(m.replayed, id)
	return nil
}

func TestCreateEndpoint(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, zap.NewNop())

	e, err := svc.CreateEndpoint(context.Background(), EndpointParams{
		URL:                "https://merchant.example/hooks",
		Events:             []webhook.EventType{webhook.EventSwapCompleted},
		RateLimitPerSecond: 5,
	})
	require.NoError(t, err)
	assert.True(t, e.Enabled)
	assert.Len(t, e.Secret, 64) // 32 bytes hex
	assert.Len(t, store.endpoints, 1)
}

func TestCreateEndpoint_Invalid(t *testing.T) {
	svc := NewService(newMockStore(), zap.NewNop())

	_, err := svc.CreateEndpoint(context.Background(), EndpointParams{URL: "not a url"})
	assert.True(t, apperrors.Is(err, apperrors.CategoryDataError))

	_, err = svc.CreateEndpoint(context.Background(), EndpointParams{
		URL:    "https://merchant.example/hooks",
		Events: []webhook.EventType{"swap.teleported"},
	})
	assert.True(t, apperrors.Is(err, apperrors.CategoryDataError))
}

func TestUpdateEndpoint_KeepsSecret(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, zap.NewNop())

	e, err := svc.CreateEndpoint(context.Background(), EndpointParams{URL: "https://merchant.example/hooks"})
	require.NoError(t, err)
	secret := e.Secret

	disabled := false
	updated, err := svc.UpdateEndpoint(context.Background(), e.ID, EndpointParams{
		URL:     "https://merchant.example/hooks/v2",
		Enabled: &disabled,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://merchant.example/hooks/v2", updated.URL)
	assert.False(t, updated.Enabled)
	assert.Equal(t, secret, updated.Secret)
}

func TestGetEndpoint_NotFound(t *testing.T) {
	svc := NewService(newMockStore(), zap.NewNop())
	_, err := svc.GetEndpoint(context.Background(), "missing")
	assert.True(t, apperrors.Is(err, apperrors.CategoryResourceNotFound))
}

func TestReplayDelivery(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, zap.NewNop())

	require.NoError(t, svc.ReplayDelivery(context.Background(), "d-1"))
	assert.Equal(t, []string{"d-1"}, store.replayed)

	store.replayErr = swapdb.ErrDeliveryNotFound
	err := svc.ReplayDelivery(context.Background(), "d-2")
	assert.True(t, apperrors.Is(err, apperrors.CategoryResourceNotFound))
}

func adminRouter(t *testing.T, store *mockStore) (*chi.Mux, string) {
	t.Helper()
	authSvc := auth.NewService(&config.AuthConfig{
		JWTSecret: "test-secret",
		Issuer:    "swap-middleware",
		TokenTTL:  time.Hour,
	})
	token, err := authSvc.IssueToken("ops", true)
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(NewService(store, zap.NewNop()), authSvc, zap.NewNop()).Routes(r)
	return r, token
}

func TestHTTP_CreateEndpointReturnsSecretOnce(t *testing.T) {
	store := newMockStore()
	router, token := adminRouter(t, store)

	body := `{"url":"https://merchant.example/hooks","events":["swap.completed"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook-endpoints", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)

	// The secret is not echoed on subsequent reads.
	req = httptest.NewRequest(http.MethodGet, "/v1/webhook-endpoints/"+created.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)
}

func TestHTTP_RequiresAdminToken(t *testing.T) {
	router, _ := adminRouter(t, newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/v1/webhook-endpoints", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTP_ReplayDelivery(t *testing.T) {
	store := newMockStore()
	router, token := adminRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook-deliveries/d-1/replay", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d-1"}, store.replayed)
}
