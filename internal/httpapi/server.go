// Package httpapi exposes the feed service over a small JSON HTTP API.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"socialfeed/internal/auth"
	"socialfeed/internal/domain"
	"socialfeed/internal/log"
	"socialfeed/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-ID"

// FeedService is the set of operations the API serves.
type FeedService interface {
	RegisterUser(ctx context.Context, firstName, secondName string) (domain.User, error)
	CreatePost(ctx context.Context, authorID, text string) (domain.Post, error)
	UpdatePost(ctx context.Context, userID, postID, text string) error
	DeletePost(ctx context.Context, userID, postID string) error
	GetPost(ctx context.Context, postID string) (domain.Post, error)
	AddFriend(ctx context.Context, userID, friendID string) error
	RemoveFriend(ctx context.Context, userID, friendID string) error
	ListFriends(ctx context.Context, userID string) ([]domain.User, error)
	GetFeed(ctx context.Context, userID string, offset, limit int) (domain.FeedPage, error)
}

type Server struct {
	svc      FeedService
	verifier auth.Verifier
	live     http.Handler
	health   func(context.Context) error
	mux      *http.ServeMux
	logger   zerolog.Logger
}

type Option func(*Server)

// WithLive mounts the websocket push endpoint.
func WithLive(h http.Handler) Option { return func(s *Server) { s.live = h } }

// WithHealthCheck makes /healthz report the result of check.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

func New(svc FeedService, verifier auth.Verifier, opts ...Option) *Server {
	s := &Server{svc: svc, verifier: verifier, mux: http.NewServeMux(), logger: log.WithComponent("httpapi")}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /post/feed", s.authed(s.handleFeed))
	s.mux.Handle("POST /post/create", s.authed(s.handleCreatePost))
	s.mux.Handle("PUT /post/update", s.authed(s.handleUpdatePost))
	s.mux.Handle("PUT /post/delete/{id}", s.authed(s.handleDeletePost))
	s.mux.Handle("GET /post/get/{id}", s.authed(s.handleGetPost))
	s.mux.Handle("PUT /friend/set/{id}", s.authed(s.handleAddFriend))
	s.mux.Handle("PUT /friend/delete/{id}", s.authed(s.handleRemoveFriend))
	s.mux.Handle("GET /friend/list", s.authed(s.handleListFriends))
	s.mux.HandleFunc("POST /user/register", s.handleRegister)
	if s.live != nil {
		s.mux.Handle("/post/feed/posted", s.live)
	}
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the mux wrapped in request id and metrics middleware.
func (s *Server) Handler() http.Handler {
	return s.requestID(s.instrument(s.mux))
}

type ctxKey int

const (
	userIDKey ctxKey = iota
	requestIDKey
)

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// RequestIDFrom returns the id assigned by the request id middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeRequestID(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		s.logger.Info().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func sanitizeRequestID(id string) string {
	if len(id) > 64 {
		id = id[:64]
	}
	var b strings.Builder
	for _, c := range id {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		timer.ObserveDurationVec(metrics.APIRequestDuration, route, strconv.Itoa(sw.status))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes websocket upgrades through to the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.respondError(w, r, domain.ErrUnauthorized)
			return
		}
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.respondError(w, r, &domain.Error{Kind: domain.KindUnauthorized, Message: "invalid token", Err: err})
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userIDKey, claims.UserID)))
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

type errorResponse struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	msg := "internal error"
	var de *domain.Error
	if errors.As(err, &de) && kind != domain.KindInternal {
		msg = de.Message
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	s.respondJSON(w, status, errorResponse{Message: msg, RequestID: RequestIDFrom(r.Context()), Code: kind.String()})
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalid:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
