package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"socialfeed/internal/auth"
	"socialfeed/internal/domain"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

type fakeService struct {
	err      error
	calls    []string
	lastArgs []any
	page     domain.FeedPage
}

func (f *fakeService) record(name string, args ...any) error {
	f.calls = append(f.calls, name)
	f.lastArgs = args
	return f.err
}

func (f *fakeService) RegisterUser(_ context.Context, first, second string) (domain.User, error) {
	return domain.User{ID: "new-user", FirstName: first, SecondName: second}, f.record("RegisterUser", first, second)
}

func (f *fakeService) CreatePost(_ context.Context, author, text string) (domain.Post, error) {
	return domain.Post{ID: "p1", AuthorID: author, Text: text}, f.record("CreatePost", author, text)
}

func (f *fakeService) UpdatePost(_ context.Context, user, post, text string) error {
	return f.record("UpdatePost", user, post, text)
}

func (f *fakeService) DeletePost(_ context.Context, user, post string) error {
	return f.record("DeletePost", user, post)
}

func (f *fakeService) GetPost(_ context.Context, post string) (domain.Post, error) {
	return domain.Post{ID: post, Text: "hello"}, f.record("GetPost", post)
}

func (f *fakeService) AddFriend(_ context.Context, user, friend string) error {
	return f.record("AddFriend", user, friend)
}

func (f *fakeService) RemoveFriend(_ context.Context, user, friend string) error {
	return f.record("RemoveFriend", user, friend)
}

func (f *fakeService) ListFriends(_ context.Context, user string) ([]domain.User, error) {
	return []domain.User{{ID: "f1", FirstName: "Amy"}}, f.record("ListFriends", user)
}

func (f *fakeService) GetFeed(_ context.Context, user string, offset, limit int) (domain.FeedPage, error) {
	page := f.page
	page.UserID, page.Offset, page.Limit = user, offset, limit
	return page, f.record("GetFeed", user, offset, limit)
}

func newTestAPI(t *testing.T, svc *fakeService, opts ...Option) (http.Handler, string) {
	t.Helper()
	m, err := auth.NewManager(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := m.Issue("me", "Test", "User")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return New(svc, m, opts...).Handler(), token
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	svc := &fakeService{}
	h, _ := newTestAPI(t, svc)

	if rec := do(h, http.MethodGet, "/post/feed", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/post/feed", "forged", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: expected 401, got %d", rec.Code)
	}

	var body errorResponse
	decodeBody(t, rec, &body)
	if body.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
	if len(svc.calls) != 0 {
		t.Fatalf("service reached without a token: %v", svc.calls)
	}
}

func TestFeedDefaultsAndCacheHeader(t *testing.T) {
	svc := &fakeService{page: domain.FeedPage{Cached: true, Posts: []domain.Post{{ID: "p1"}}}}
	h, token := newTestAPI(t, svc)

	rec := do(h, http.MethodGet, "/post/feed", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !reflect.DeepEqual(svc.lastArgs, []any{"me", 0, 10}) {
		t.Fatalf("unexpected default paging: %v", svc.lastArgs)
	}
	if got := rec.Header().Get("X-Feed-Cache"); got != "hit" {
		t.Fatalf("expected cache hit header, got %q", got)
	}
	var body feedResponse
	decodeBody(t, rec, &body)
	if len(body.Posts) != 1 {
		t.Fatalf("expected one post, got %d", len(body.Posts))
	}

	do(h, http.MethodGet, "/post/feed?offset=20&limit=5", token, "")
	if !reflect.DeepEqual(svc.lastArgs, []any{"me", 20, 5}) {
		t.Fatalf("unexpected paging: %v", svc.lastArgs)
	}

	if rec := do(h, http.MethodGet, "/post/feed?limit=ten", token, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric limit, got %d", rec.Code)
	}
}

func TestEmptyFeedIsAnEmptyList(t *testing.T) {
	h, token := newTestAPI(t, &fakeService{})

	rec := do(h, http.MethodGet, "/post/feed", token, "")
	if rec.Header().Get("X-Feed-Cache") != "miss" {
		t.Fatalf("expected cache miss header, got %q", rec.Header().Get("X-Feed-Cache"))
	}
	if !strings.Contains(rec.Body.String(), `"posts":[]`) {
		t.Fatalf("expected an empty posts list, got %s", rec.Body.String())
	}
}

func TestRoutesPassIdentityAndPathValues(t *testing.T) {
	svc := &fakeService{}
	h, token := newTestAPI(t, svc)

	cases := []struct {
		method, path, body string
		call               string
		args               []any
	}{
		{http.MethodPost, "/post/create", `{"text":"hi"}`, "CreatePost", []any{"me", "hi"}},
		{http.MethodPut, "/post/update", `{"id":"p1","text":"edited"}`, "UpdatePost", []any{"me", "p1", "edited"}},
		{http.MethodPut, "/post/delete/p1", "", "DeletePost", []any{"me", "p1"}},
		{http.MethodGet, "/post/get/p1", "", "GetPost", []any{"p1"}},
		{http.MethodPut, "/friend/set/u2", "", "AddFriend", []any{"me", "u2"}},
		{http.MethodPut, "/friend/delete/u2", "", "RemoveFriend", []any{"me", "u2"}},
		{http.MethodGet, "/friend/list", "", "ListFriends", []any{"me"}},
	}
	for _, c := range cases {
		rec := do(h, c.method, c.path, token, c.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200, got %d", c.method, c.path, rec.Code)
		}
		if got := svc.calls[len(svc.calls)-1]; got != c.call {
			t.Fatalf("%s: called %s, want %s", c.path, got, c.call)
		}
		if !reflect.DeepEqual(svc.lastArgs, c.args) {
			t.Fatalf("%s: args %v, want %v", c.path, svc.lastArgs, c.args)
		}
	}
}

func TestRegisterIsPublic(t *testing.T) {
	svc := &fakeService{}
	h, _ := newTestAPI(t, svc)

	rec := do(h, http.MethodPost, "/user/register", "", `{"first_name":"Ada","second_name":"Lovelace"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body registerResponse
	decodeBody(t, rec, &body)
	if body.UserID != "new-user" {
		t.Fatalf("unexpected user id %q", body.UserID)
	}

	if rec := do(h, http.MethodPost, "/user/register", "", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.Invalidf("bad"), http.StatusBadRequest, "invalid"},
		{domain.NotFoundf("post p1 not found"), http.StatusNotFound, "not_found"},
		{domain.Forbiddenf("not yours"), http.StatusForbidden, "forbidden"},
		{domain.Unavailable(errors.New("dial tcp: refused")), http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		svc := &fakeService{err: c.err}
		h, token := newTestAPI(t, svc)
		rec := do(h, http.MethodGet, "/post/get/p1", token, "")
		if rec.Code != c.status {
			t.Fatalf("%s: expected %d, got %d", c.code, c.status, rec.Code)
		}

		var body errorResponse
		decodeBody(t, rec, &body)
		if body.Code != c.code || body.RequestID == "" {
			t.Fatalf("%s: unexpected body %+v", c.code, body)
		}
		if strings.Contains(body.Message, "dial tcp") {
			t.Fatalf("%s: transport details leaked: %q", c.code, body.Message)
		}
	}
}

func TestRequestIDEchoedOrGenerated(t *testing.T) {
	h, _ := newTestAPI(t, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123<script>")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "abc-123script" {
		t.Fatalf("expected sanitized request id, got %q", got)
	}

	rec = do(h, http.MethodGet, "/healthz", "", "")
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Fatalf("expected a generated uuid, got %q", got)
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestAPI(t, &fakeService{}, WithHealthCheck(func(context.Context) error { return errors.New("primary down") }))
	if rec := do(h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a failing check, got %d", rec.Code)
	}

	h, _ = newTestAPI(t, &fakeService{})
	if rec := do(h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
