package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickAction(t *testing.T) {
	cases := []struct {
		choice      float64
		hasCategory bool
		hasMessage  bool
		want        action
	}{
		{0.10, false, false, actionBid},
		{0.60, false, false, actionPostMessage},
		{0.75, false, false, actionPostMessage},
		{0.75, false, true, actionReply},
		{0.85, true, false, actionUpdateCategory},
		{0.85, false, false, actionCreateCategory},
		{0.95, true, true, actionCreateCategory},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, pickAction(tc.choice, tc.hasCategory, tc.hasMessage), "choice=%v", tc.choice)
	}
}

func TestSetupSingleUserFallsBackToLogin(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/auth/register":
			w.WriteHeader(http.StatusConflict)
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(authResponse{Token: "tok", UserID: "u1"})
		}
	}))
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	r := newRunner(config{APIBase: srv.URL, Users: 1, RequestTimeout: time.Second, Password: "pw-12345678"},
		slog.New(slog.NewTextHandler(io.Discard, nil)), reg)

	u, err := r.setupSingleUser(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "tok", u.Token)
	assert.Equal(t, "u1", u.UserID)
	assert.Equal(t, []string{"/auth/register", "/auth/login"}, paths)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("register", http.MethodPost, "409", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("login", http.MethodPost, "200", "success")))
}

func TestRunActionCreatesCategoryWhenNoneKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		_ = json.NewEncoder(w).Encode(idResponse{ID: "c1"})
	}))
	t.Cleanup(srv.Close)

	r := newRunner(config{APIBase: srv.URL, Users: 1, Auctions: 1, RequestTimeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
	u := &simulatedUser{Token: "tok"}

	// Seed 0 draws are deterministic; loop until a create lands.
	rng := rand.New(rand.NewSource(0))
	for range 50 {
		r.runAction(context.Background(), u, rng)
	}
	assert.Contains(t, u.categories, "c1")
	assert.Zero(t, r.requestsError.Load())
}
