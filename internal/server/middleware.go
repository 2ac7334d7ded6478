package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nctiggy/nwha/internal/store"
)

// Header names.
const (
	// UserHeader carries the authenticated user id.
	UserHeader      = "X-NWHA-User"
	RequestIDHeader = "X-Request-ID"
)

type contextKey string

const contextKeyUser contextKey = "user"

const userQueryParam = "user_id"

// requestID tags each request with a UUID, keeping a caller supplied
// X-Request-ID. The id is stored where middleware.GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authenticate resolves the caller from UserHeader and rejects requests
// without a known user.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			raw = strings.TrimSpace(r.URL.Query().Get(userQueryParam))
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Not authenticated")
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid user")
			return
		}
		user, err := s.store.GetUser(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid user")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUser returns the user set by authenticate.
func currentUser(ctx context.Context) *store.User {
	u, _ := ctx.Value(contextKeyUser).(*store.User)
	return u
}
