package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"socialfeed/internal/domain"
)

const (
	defaultFeedOffset = 0
	defaultFeedLimit  = 10
	maxBodyBytes      = 64 << 10
)

type postRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type registerRequest struct {
	FirstName  string `json:"first_name"`
	SecondName string `json:"second_name"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
}

type createPostResponse struct {
	ID string `json:"id"`
}

type feedResponse struct {
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Posts  []domain.Post `json:"posts"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, r, domain.Invalidf("invalid request body"))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Invalidf("%s must be an integer", name)
	}
	return n, nil
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", defaultFeedOffset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultFeedLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	page, err := s.svc.GetFeed(r.Context(), userIDFrom(r.Context()), offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if page.Cached {
		w.Header().Set("X-Feed-Cache", "hit")
	} else {
		w.Header().Set("X-Feed-Cache", "miss")
	}
	if page.Posts == nil {
		page.Posts = []domain.Post{}
	}
	s.respondJSON(w, http.StatusOK, feedResponse{Offset: page.Offset, Limit: page.Limit, Posts: page.Posts})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if !s.decode(w, r, &req) {
		return
	}
	post, err := s.svc.CreatePost(r.Context(), userIDFrom(r.Context()), req.Text)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, createPostResponse{ID: post.ID})
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		s.respondError(w, r, domain.Invalidf("id is required"))
		return
	}
	if err := s.svc.UpdatePost(r.Context(), userIDFrom(r.Context()), req.ID, req.Text); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePost(r.Context(), userIDFrom(r.Context()), r.PathValue("id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.svc.GetPost(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, post)
}

func (s *Server) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.AddFriend(r.Context(), userIDFrom(r.Context()), r.PathValue("id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveFriend(r.Context(), userIDFrom(r.Context()), r.PathValue("id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListFriends(w http.ResponseWriter, r *http.Request) {
	friends, err := s.svc.ListFriends(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if friends == nil {
		friends = []domain.User{}
	}
	s.respondJSON(w, http.StatusOK, friends)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.svc.RegisterUser(r.Context(), req.FirstName, req.SecondName)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, registerResponse{UserID: u.ID})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			resp.Status, resp.Error = "unhealthy", err.Error()
			s.respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}
