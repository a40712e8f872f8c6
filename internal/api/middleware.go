package api

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/metrics"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDMiddleware adds a unique request ID to each request context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggingMiddleware logs each request once it completes and feeds the HTTP
// metrics. The request-scoped logger is available to handlers through
// zerolog.Ctx.
func LoggingMiddleware(log zerolog.Logger, m *metrics.WorkflowMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.With().Str("request_id", GetRequestID(r.Context())).Logger()
			r = r.WithContext(reqLog.WithContext(r.Context()))

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := routePattern(r)
			m.ObserveHTTP(r.Method, route, wrapped.statusCode, duration.Seconds())

			evt := reqLog.Info()
			if wrapped.statusCode >= http.StatusInternalServerError {
				evt = reqLog.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", wrapped.statusCode).
				Dur("duration", duration).
				Msg("request")
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// RecoverMiddleware turns a handler panic into a 500 response.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Claims carried by bearer tokens. Subject is the actor's UUID.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

var errMalformedAuth = errors.New("invalid authorization format")

// Authenticate verifies an HS256 bearer token and stores the actor in the
// request context.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := actorFromRequest(r, parser, keyFunc)
			if err != nil {
				zerolog.Ctx(r.Context()).Debug().Err(err).Msg("authentication failed")
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			ctx := access.WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromRequest(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (access.Actor, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return access.Actor{}, errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return access.Actor{}, errMalformedAuth
	}

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc); err != nil {
		return access.Actor{}, errors.New("invalid or expired token")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return access.Actor{}, errors.New("token subject is not a valid id")
	}
	role, ok := access.ParseRole(claims.Role)
	if !ok {
		return access.Actor{}, errors.New("token role is not recognised")
	}
	return access.Actor{ID: id, Role: role}, nil
}

// IssueToken signs a bearer token for actor. Used by the load simulator and
// tests; production tokens come from the identity provider.
func IssueToken(secret []byte, actor access.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
