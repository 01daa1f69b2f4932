package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-obs/nightwatch/pkg/config"
)

func historyConfig(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		HistoryURL:            url,
		HistoryConnectTimeout: time.Second,
		HistoryReadTimeout:    2 * time.Second,
	}
}

func TestHistoryFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Response":[
			{"Event":"SEQUENCE-STARTING","Time":"2026-03-14T22:00:00Z"},
			{"Event":"IMAGE-SAVE","Time":"2026-03-14T22:30:00Z","Data":{"FilePath":"a.fits"}}
		]}`))
	}))
	defer srv.Close()

	h := NewHistoryClient(historyConfig(srv.URL))
	raws, err := h.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Contains(t, string(raws[1]), "a.fits")
}

func TestHistoryFetchErrors(t *testing.T) {
	t.Run("non-200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}))
		defer srv.Close()

		h := NewHistoryClient(historyConfig(srv.URL))
		_, err := h.Fetch(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("invalid body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		h := NewHistoryClient(historyConfig(srv.URL))
		_, err := h.Fetch(context.Background())
		require.Error(t, err)
	})

	t.Run("unreachable host", func(t *testing.T) {
		h := NewHistoryClient(historyConfig("http://127.0.0.1:1/event-history"))
		_, err := h.Fetch(context.Background())
		require.Error(t, err)
	})
}

func TestHistoryEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Response":[]}`))
	}))
	defer srv.Close()

	h := NewHistoryClient(historyConfig(srv.URL))
	raws, err := h.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, raws)
}
