package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/jreplay/internal/replay"
	"github.com/kalambet/jreplay/internal/share"
	"github.com/kalambet/jreplay/internal/storage"
)

type sharedKey struct{}

// NewSharedHandler serves the read-only view behind a share token. Only GET
// routes exist, so recipients cannot change the run.
func NewSharedHandler(deps AppDeps) http.Handler {
	deps = deps.withDefaults()

	r := chi.NewRouter()
	r.Route("/{token}", func(r chi.Router) {
		r.Use(resolveShare(deps))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sharedLink(r))
		})
		r.Get("/timeline", withSharedSession(deps, func(w http.ResponseWriter, r *http.Request, s *replay.Session) {
			writeTimeline(w, r, s)
		}))
		r.Get("/metrics", withSharedSession(deps, func(w http.ResponseWriter, r *http.Request, s *replay.Session) {
			writeMetrics(w, s)
		}))
		r.Get("/steps/{stepId}/diff", withSharedSession(deps, func(w http.ResponseWriter, r *http.Request, s *replay.Session) {
			writeStepDiff(w, s, chi.URLParam(r, "stepId"))
		}))
	})
	return r
}

func resolveShare(deps AppDeps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l, err := deps.Shares.Resolve(chi.URLParam(r, "token"))
			switch {
			case errors.Is(err, storage.ErrNotFound):
				httpError(w, http.StatusNotFound, "not_found", "share link not found")
				return
			case errors.Is(err, share.ErrExpired):
				deps.Metrics.shareOp("expired")
				httpError(w, http.StatusGone, "expired_error", "share link expired at %s", l.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
				return
			case err != nil:
				httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve share link: %v", err)
				return
			}
			deps.Metrics.shareOp("resolved")
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sharedKey{}, l)))
		})
	}
}

func sharedLink(r *http.Request) share.Link {
	l, _ := r.Context().Value(sharedKey{}).(share.Link)
	return l
}

func withSharedSession(deps AppDeps, fn func(http.ResponseWriter, *http.Request, *replay.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(w, deps, sharedLink(r).RunID)
		if !ok {
			return
		}
		defer deps.Sessions.Close(s.ID)
		fn(w, r, s)
	}
}
