package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/identity"
	"github.com/ariefcatur/go-realtime-storefront/internal/metrics"
	"github.com/ariefcatur/go-realtime-storefront/internal/storefront"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

type client struct {
	t       *testing.T
	srv     *httptest.Server
	session string
}

func (c *client) do(method, path string, body any) (int, envelope) {
	c.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rdr)
	require.NoError(c.t, err)
	if c.session != "" {
		req.Header.Set(sessionHeader, c.session)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func newServer(t *testing.T) *client {
	t.Helper()
	store := docstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	paths := docstore.Paths{AppID: "http-test"}
	require.NoError(t, store.Set(context.Background(), docstore.Join(paths.Products(), "P1"),
		docstore.Fields{"name": "Mug", "price": 1000, "image": "https://img/P1"}))

	reg := prometheus.NewRegistry()
	app := storefront.New(storefront.Options{
		AppID:         "http-test",
		Store:         store,
		Authenticator: identity.NewProvider(identity.ProviderOptions{Secret: "s3cret"}),
		Metrics:       metrics.NewStorefront(reg),
		ClearAwait:    time.Second,
	})
	t.Cleanup(func() { app.Close(context.Background()) })
	require.NoError(t, app.Start(context.Background()))

	srv := httptest.NewServer(NewRouter(RouterOptions{App: app, Gatherer: reg}))
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

func (c *client) openSession() {
	c.t.Helper()
	status, env := c.do(http.MethodPost, "/sessions", nil)
	require.Equal(c.t, http.StatusCreated, status)
	var s SessionResp
	require.NoError(c.t, json.Unmarshal(env.Data, &s))
	require.NotEmpty(c.t, s.SessionID)
	c.session = s.SessionID
}

func (c *client) cart() CartResp {
	c.t.Helper()
	status, env := c.do(http.MethodGet, "/cart", nil)
	require.Equal(c.t, http.StatusOK, status)
	var out CartResp
	require.NoError(c.t, json.Unmarshal(env.Data, &out))
	return out
}

func (c *client) waitItems(n int64) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		s := c.cart()
		return s.Version > 0 && s.ItemCount == n
	}, time.Second, 10*time.Millisecond)
}

func TestDegradedServer(t *testing.T) {
	app := storefront.New(storefront.Options{ConfigErr: errors.New("backend configuration is not set")})
	defer app.Close(context.Background())
	srv := httptest.NewServer(NewRouter(RouterOptions{App: app, Gatherer: prometheus.NewRegistry()}))
	defer srv.Close()
	c := &client{t: t, srv: srv}

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", health["status"])

	status, env := c.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONFIG_UNAVAILABLE", env.Error.Code)

	status, _ = c.do(http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = c.do(http.MethodGet, "/products", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestSessionRequired(t *testing.T) {
	c := newServer(t)

	status, env := c.do(http.MethodGet, "/cart", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_READY", env.Error.Code)

	c.session = "unknown"
	status, env = c.do(http.MethodGet, "/cart", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestCartOverHTTP(t *testing.T) {
	c := newServer(t)
	c.openSession()

	require.Eventually(t, func() bool {
		status, _ := c.do(http.MethodGet, "/products", nil)
		return status == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	status, env := c.do(http.MethodPost, "/cart/items", map[string]any{"productId": "P1", "quantity": 2})
	require.Equal(t, http.StatusAccepted, status, env.Error)
	status, _ = c.do(http.MethodPost, "/cart/items", map[string]any{"productId": "P1"})
	require.Equal(t, http.StatusAccepted, status)
	c.waitItems(3)
	assert.Equal(t, int64(3000), c.cart().Subtotal)

	status, env = c.do(http.MethodPost, "/cart/items", map[string]any{"productId": "nope"})
	assert.Equal(t, http.StatusNotFound, status)
	status, env = c.do(http.MethodPost, "/cart/items", map[string]any{"productId": "P1", "quantity": -1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILURE", env.Error.Code)

	status, _ = c.do(http.MethodPut, "/cart/items/P1", map[string]any{"quantity": 5})
	require.Equal(t, http.StatusAccepted, status)
	c.waitItems(5)

	status, env = c.do(http.MethodPost, "/cart/clear", nil)
	assert.Equal(t, http.StatusPreconditionRequired, status)
	assert.Equal(t, "CONFIRMATION_REQUIRED", env.Error.Code)
	c.waitItems(5)

	status, _ = c.do(http.MethodPost, "/cart/clear", map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, status)
	c.waitItems(0)

	status, env = c.do(http.MethodGet, "/notices", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), "cleared")
}

func TestCheckoutOverHTTP(t *testing.T) {
	c := newServer(t)
	c.openSession()

	status, env := c.do(http.MethodPost, "/checkout/proceed", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ILLEGAL_TRANSITION", env.Error.Code)

	require.Eventually(t, func() bool {
		status, _ := c.do(http.MethodPost, "/cart/items", map[string]any{"productId": "P1", "quantity": 2})
		return status == http.StatusAccepted
	}, time.Second, 10*time.Millisecond)
	c.waitItems(2)

	status, _ = c.do(http.MethodPost, "/checkout/proceed", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = c.do(http.MethodPost, "/checkout/shipping", map[string]any{"name": "Ada", "email": "a@b.c", "address": " ", "city": "Turin"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(mustJSON(t, env.Error.Details)), "address")

	status, _ = c.do(http.MethodPost, "/checkout/shipping", map[string]any{"name": "Ada", "email": "a@b.c", "address": "1 Loop St", "city": "Turin"})
	require.Equal(t, http.StatusOK, status)

	status, env = c.do(http.MethodPost, "/checkout/confirm", map[string]any{"cardNumber": "4242"})
	require.Equal(t, http.StatusOK, status)
	var out struct {
		OrderRef    string `json:"orderRef"`
		CartCleared bool   `json:"cartCleared"`
		Total       int64  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.CartCleared)
	assert.Equal(t, int64(2000), out.Total)
	c.waitItems(0)

	status, env = c.do(http.MethodGet, "/checkout", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"state":"CONFIRMED"`)

	status, _ = c.do(http.MethodPost, "/checkout/close", nil)
	require.Equal(t, http.StatusOK, status)
	status, env = c.do(http.MethodPost, "/checkout/reopen", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"state":"CART"`)
}

func TestCounterAndMetrics(t *testing.T) {
	c := newServer(t)

	require.Eventually(t, func() bool {
		status, _ := c.do(http.MethodPost, "/counter/increment", nil)
		return status == http.StatusAccepted
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, env := c.do(http.MethodGet, "/counter", nil)
		var resp CounterResp
		return json.Unmarshal(env.Data, &resp) == nil && resp.Count == 1
	}, time.Second, 10*time.Millisecond)

	resp, err := c.srv.Client().Get(c.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
