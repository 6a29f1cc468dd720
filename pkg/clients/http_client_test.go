package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/marketsync/pkg/errors"
)

func newTestClient(t *testing.T) *HTTPClient {
	cfg := DefaultHTTPConfig("test")
	cfg.RateLimit = 0
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Hour
	return NewHTTPClient(cfg, zaptest.NewLogger(t))
}

func TestHTTPClient_DoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"doubled": in["value"] * 2})
	}))
	defer srv.Close()

	client := newTestClient(t)
	var out map[string]int
	err := client.DoJSON(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Token:  "secret",
		Body:   map[string]int{"value": 21},
	}, &out)

	require.NoError(t, err)
	assert.Equal(t, 42, out["doubled"])
}

func TestHTTPClient_Gzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"rows":3}`))
		_ = gz.Close()
	}))
	defer srv.Close()

	var out struct {
		Rows int `json:"rows"`
	}
	require.NoError(t, newTestClient(t).DoJSON(context.Background(), Request{URL: srv.URL}, &out))
	assert.Equal(t, 3, out.Rows)
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   errors.ErrorType
	}{
		{http.StatusNotFound, errors.ErrorTypeNotFound},
		{http.StatusConflict, errors.ErrorTypeConflict},
		{http.StatusBadRequest, errors.ErrorTypeValidation},
		{http.StatusTooManyRequests, errors.ErrorTypeTransientNetwork},
		{http.StatusBadGateway, errors.ErrorTypeTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := newTestClient(t).DoJSON(context.Background(), Request{URL: srv.URL}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.TypeOf(err))

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestHTTPClient_CircuitBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t)
	for i := 0; i < 2; i++ {
		require.Error(t, client.DoJSON(context.Background(), Request{URL: srv.URL}, nil))
	}

	err := client.DoJSON(context.Background(), Request{URL: srv.URL}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
