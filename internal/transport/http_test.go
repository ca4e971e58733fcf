package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHTTP(t *testing.T, srv *httptest.Server, timeout time.Duration) *HTTP {
	t.Helper()
	h := NewHTTP(HTTPConfig{BaseURL: srv.URL, Timeout: timeout}, zap.NewNop())
	t.Cleanup(h.Close)
	return h
}

func awaitChan(t *testing.T, ch <-chan *Response) *Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for completion")
		return nil
	}
}

func TestHTTPEnqueue_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users/prekeys", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"c1"}, body["alice"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"alice":{"c1":{"key":"AAAA"}}}`))
	}))
	defer srv.Close()

	h := newTestHTTP(t, srv, time.Second)
	h.SetToken(" tok ")

	req := NewRequest(http.MethodPost, "/users/prekeys", map[string][]string{"alice": {"c1"}})
	ch := make(chan *Response, 1)
	req.OnComplete(func(r *Response) { ch <- r })
	h.Enqueue(req)
	resp := awaitChan(t, ch)

	require.NoError(t, resp.Err)
	assert.Equal(t, Success, resp.Class())
	var payload map[string]map[string]map[string]string
	require.NoError(t, resp.Decode(&payload))
	assert.Equal(t, "AAAA", payload["alice"]["c1"]["key"])
}

func TestHTTPEnqueue_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Class
	}{
		{"not found", http.StatusNotFound, "", PermanentObject},
		{"gone", http.StatusGone, "", PermanentObject},
		{"unauthorized", http.StatusUnauthorized, "", AuthFatal},
		{"forbidden invalid credentials", http.StatusForbidden, `{"label":"invalid-credentials"}`, AuthFatal},
		{"forbidden other", http.StatusForbidden, `{"label":"access-denied"}`, Permanent},
		{"rate limited", http.StatusTooManyRequests, "", Transient},
		{"server error", http.StatusInternalServerError, "", Transient},
		{"bad request", http.StatusBadRequest, "", Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := newTestHTTP(t, srv, time.Second)
			req := NewRequest(http.MethodGet, "/x", nil)
			ch := make(chan *Response, 1)
			req.OnComplete(func(r *Response) { ch <- r })
			h.Enqueue(req)
			resp := awaitChan(t, ch)

			assert.Equal(t, tt.want, resp.Class())
			var statusErr *StatusError
			require.ErrorAs(t, resp.AsError(), &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestHTTPEnqueue_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newTestHTTP(t, srv, 50*time.Millisecond)
	req := NewRequest(http.MethodGet, "/slow", nil)
	ch := make(chan *Response, 1)
	req.OnComplete(func(r *Response) { ch <- r })
	h.Enqueue(req)
	resp := awaitChan(t, ch)

	assert.ErrorIs(t, resp.Err, ErrTimeout)
	assert.Equal(t, Transient, resp.Class())
}

func TestHTTPEnqueue_Cancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newTestHTTP(t, srv, 5*time.Second)
	req := NewRequest(http.MethodGet, "/slow", nil)
	ch := make(chan *Response, 1)
	req.OnComplete(func(r *Response) { ch <- r })
	req.Attach(h.Enqueue(req))

	<-started
	req.Cancel()
	resp := awaitChan(t, ch)

	assert.ErrorIs(t, resp.Err, ErrCancelled)
	assert.Equal(t, Cancelled, resp.Class())
}

func TestHTTPEnqueue_Offline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := NewHTTP(HTTPConfig{BaseURL: url, Timeout: time.Second}, zap.NewNop())
	defer h.Close()

	req := NewRequest(http.MethodGet, "/x", nil)
	resp := h.Do(t.Context(), req)
	assert.ErrorIs(t, resp.Err, ErrOffline)
	assert.Equal(t, Transient, resp.Class())
}
