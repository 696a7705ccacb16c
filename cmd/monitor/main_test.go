package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"draining","in_flight":["abcdef0123456789ffff"],"in_flight_count":1,"uptime_seconds":90}`))
	})
	mux.HandleFunc("/api/adapters/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"adapters":{"sim":{"status":"healthy","connected":true,"latency_ms":3},"clob":{"status":"offline","error_message":"dial tcp: refused"}}}`))
	})
	mux.HandleFunc("/debug/vars", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signals_received":12,"signals_duplicate":2,"overall_by_status":{"success":9,"failed":1}}`))
	})
	return mux
}

func TestFetchAndView(t *testing.T) {
	srv := httptest.NewServer(fakeRouter())
	defer srv.Close()

	snap, err := newFetcher(srv.URL).fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "draining", snap.status.State)
	assert.Len(t, snap.health.Adapters, 2)
	assert.EqualValues(t, 12, snap.counters["signals_received"])
	assert.EqualValues(t, 9, snap.overall["success"])

	next, _ := model{target: srv.URL}.Update(snapshotMsg{snap: snap})
	view := next.View()
	assert.Contains(t, view, "sim")
	assert.Contains(t, view, "clob")
	assert.Contains(t, view, "dial tcp: refused")
	assert.Contains(t, view, "abcdef0123456789")
	assert.NotContains(t, view, "abcdef0123456789ffff")
	assert.Contains(t, view, "success=9")
}

func TestFetchError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newFetcher(srv.URL).fetch(context.Background())
	assert.Error(t, err)

	next, _ := model{target: srv.URL}.Update(snapshotMsg{err: err})
	assert.Contains(t, next.View(), "连接失败")
}
