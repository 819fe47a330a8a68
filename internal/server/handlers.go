package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/kmarchand/voucher/internal/shared/errors"
	"github.com/kmarchand/voucher/internal/shared/events"
	"github.com/kmarchand/voucher/internal/shared/logger"
	"github.com/kmarchand/voucher/internal/state"
	"github.com/kmarchand/voucher/internal/strategy"
)

// errorResponse is the JSON body for failed authentication attempts.
type errorResponse struct {
	Provider string               `json:"provider,omitempty"`
	Errors   []strategy.AuthError `json:"errors"`
}

// resultResponse is the JSON body for successful authentications.
type resultResponse struct {
	SessionToken string           `json:"session_token"`
	ExpiresAt    time.Time        `json:"expires_at"`
	Result       *strategy.Result `json:"result"`
}

// handleBegin starts an authentication attempt: it registers a pending
// state and redirects the user to the provider.
func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	ctx := context.WithValue(r.Context(), logger.ProviderKey, provider)

	strat, ok := s.strategyFor(provider)
	if !ok {
		writeError(w, http.StatusNotFound, provider, []strategy.AuthError{{
			Key:     "unknown_provider",
			Message: "no strategy registered for provider",
		}})
		return
	}

	s.deps.Metrics.RecordAuthAttempt(provider)

	stateToken := state.NewToken()
	if err := s.deps.States.Create(ctx, stateToken, s.cfg.StateTTL); err != nil {
		s.log.WithError(err).ErrorContext(ctx, "creating authorization state")
		writeError(w, http.StatusInternalServerError, provider, []strategy.AuthError{{
			Key:     "internal_error",
			Message: "could not start authentication",
		}})
		return
	}

	params := r.URL.Query()
	params.Set("state", stateToken)

	tx := strategy.NewTransaction(params, s.callbackURL(r, provider))

	authURL, err := strat.BeginAuth(ctx, tx)
	if err != nil {
		s.log.WithError(err).ErrorContext(ctx, "building authorization redirect")
		writeError(w, http.StatusInternalServerError, provider, []strategy.AuthError{{
			Key:     "internal_error",
			Message: "could not start authentication",
		}})
		return
	}

	s.publishEvent(ctx, events.EventAuthStarted, provider, nil)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes an authentication attempt. The strategy's cleanup
// phase runs whatever the outcome.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	ctx := context.WithValue(r.Context(), logger.ProviderKey, provider)

	strat, ok := s.strategyFor(provider)
	if !ok {
		writeError(w, http.StatusNotFound, provider, []strategy.AuthError{{
			Key:     "unknown_provider",
			Message: "no strategy registered for provider",
		}})
		return
	}

	params := r.URL.Query()

	consumed, err := s.deps.States.Consume(ctx, params.Get("state"))
	if err != nil {
		s.log.WithError(err).ErrorContext(ctx, "consuming authorization state")
		writeError(w, http.StatusInternalServerError, provider, []strategy.AuthError{{
			Key:     "internal_error",
			Message: "could not validate authorization state",
		}})
		return
	}
	if !consumed {
		stateErr := errors.InvalidState("unknown or expired state")
		s.deps.Metrics.RecordAuthFailure(provider, "csrf_detected")
		writeError(w, stateErr.HTTPStatusCode(), provider, []strategy.AuthError{{
			Key:     "csrf_detected",
			Message: stateErr.Message,
		}})
		return
	}

	tx := strategy.NewTransaction(params, s.callbackURL(r, provider))
	defer strat.Cleanup(tx)

	if err := strat.CompleteAuth(ctx, tx); err != nil {
		s.publishEvent(ctx, events.EventAuthFailed, provider, map[string]any{
			"errors": tx.Errors(),
		})
		writeError(w, errorStatus(err), provider, tx.Errors())
		return
	}

	result, err := strat.Result(tx)
	if err != nil {
		s.log.WithError(err).ErrorContext(ctx, "extracting authentication result")
		writeError(w, http.StatusInternalServerError, provider, []strategy.AuthError{{
			Key:     "internal_error",
			Message: "could not extract authentication result",
		}})
		return
	}

	token, expiresAt, err := s.deps.Sessions.Issue(result.Provider, result.UID, result.Info.Nickname, result.Info.Email)
	if err != nil {
		s.log.WithError(err).ErrorContext(ctx, "issuing session token")
		writeError(w, http.StatusInternalServerError, provider, []strategy.AuthError{{
			Key:     "internal_error",
			Message: "could not issue session token",
		}})
		return
	}

	s.publishEvent(ctx, events.EventAuthSucceeded, provider, map[string]any{
		"uid": result.UID,
	})

	writeJSON(w, http.StatusOK, resultResponse{
		SessionToken: token,
		ExpiresAt:    expiresAt,
		Result:       result,
	})
}

// publishEvent publishes best-effort; event delivery never affects the
// authentication outcome.
func (s *Server) publishEvent(ctx context.Context, eventType, provider string, data map[string]any) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.PublishAuthEvent(ctx, eventType, provider, data); err != nil {
		s.log.WithError(err).WarnContext(ctx, "publishing auth event", "event_type", eventType)
	}
}

// errorStatus maps a strategy error to an HTTP status.
func errorStatus(err error) int {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.HTTPStatusCode()
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, status int, provider string, errs []strategy.AuthError) {
	writeJSON(w, status, errorResponse{Provider: provider, Errors: errs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
