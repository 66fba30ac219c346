package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/backplane/internal/runtime/jsoncodec"
)

func TestBrokerStatus(t *testing.T) {
	b := newTestBroker(t, newMemoryPool(), withNodeID("node-a"))
	require.NoError(t, b.Subscribe("chat", func(Args) {}))
	require.NoError(t, b.Subscribe("alerts", func(Args) {}))
	b.Client("c2")
	b.Client("c1")

	st := b.Status()
	assert.Equal(t, "node-a", st.NodeID)
	assert.Equal(t, "memory", st.Backend)
	assert.Equal(t, "socket.io.stream", st.Stream)
	assert.Equal(t, "socket.io.storage", st.Storage)
	assert.False(t, st.Destroyed)
	assert.Equal(t, []string{"alerts", "chat"}, st.Subscriptions)
	assert.Equal(t, []string{"c1", "c2"}, st.Clients)
	assert.Equal(t, 1, st.ConnectionRefs)
	assert.Equal(t, "open", st.Connection)
	assert.Equal(t, "memory", st.Capabilities.Name)

	require.NoError(t, b.Destroy())
	st = b.Status()
	assert.True(t, st.Destroyed)
	assert.Empty(t, st.Subscriptions)
	assert.Equal(t, "closed", st.Connection)
}

func TestStatusHandlerReturnsJSON(t *testing.T) {
	b := newTestBroker(t, newMemoryPool(), withNodeID("node-a"))
	require.NoError(t, b.Subscribe("chat", func(Args) {}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	b.StatusHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), "no origins configured")

	var got Status
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "node-a", got.NodeID)
	assert.Equal(t, []string{"chat"}, got.Subscriptions)
}

func TestStatusHandlerCORS(t *testing.T) {
	b := newTestBroker(t, newMemoryPool())

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "https://a.example", "*"},
		{"listed origin", []string{"https://a.example"}, "https://A.example", "https://A.example"},
		{"unlisted origin", []string{"https://a.example"}, "https://b.example", ""},
		{"no origin header", []string{"https://a.example"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			b.StatusHandler(tt.allowed...).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestStatusHandlerMethods(t *testing.T) {
	b := newTestBroker(t, newMemoryPool())
	h := b.StatusHandler("*")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD, OPTIONS", rec.Header().Get("Allow"))
}
