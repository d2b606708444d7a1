package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/auth"
)

// pinger adapts a ping func to the health checker.
type pinger struct {
	name string
	ping func(ctx context.Context) error
}

func (p pinger) Name() string { return p.name }

func (p pinger) Ping(ctx context.Context) error { return p.ping(ctx) }

// opsMux builds the ops listener: health endpoints plus, when a refresh
// service is configured, the token rotation endpoint.
func opsMux(checker health.Checker, refresh *auth.RefreshService) *http.ServeMux {
	mux := http.NewServeMux()
	check := health.Handler(checker)
	mux.Handle("/healthz", check)
	mux.Handle("/livez", check)
	if refresh != nil {
		mux.Handle("POST /auth/refresh", refreshHandler(refresh))
	}
	return mux
}

// refreshHandler exchanges a refresh token for a fresh pair. Lock
// contention past the wait budget is 429; an unknown, revoked or expired
// token is 401.
func refreshHandler(svc *auth.RefreshService) http.HandlerFunc {
	type request struct {
		SessionID    string `json:"sessionId"`
		RefreshToken string `json:"refreshToken"`
	}
	type response struct {
		AccessToken  string    `json:"accessToken"`
		RefreshToken string    `json:"refreshToken"`
		ExpiresAt    time.Time `json:"expiresAt"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.RefreshToken == "" {
			http.Error(w, "sessionId and refreshToken required", http.StatusBadRequest)
			return
		}
		pair, err := svc.Rotate(r.Context(), req.SessionID, req.RefreshToken)
		switch {
		case errors.Is(err, auth.ErrLockNotAcquired):
			http.Error(w, "rotation in progress", http.StatusTooManyRequests)
			return
		case errors.Is(err, auth.ErrTokenInvalid):
			http.Error(w, "invalid refresh token", http.StatusUnauthorized)
			return
		case err != nil:
			log.Error(r.Context(), err, log.KV{K: "msg", V: "token rotation failed"})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			ExpiresAt:    pair.ExpiresAt,
		}); err != nil {
			log.Error(r.Context(), err, log.KV{K: "msg", V: "write refresh response"})
		}
	}
}
