// Package feed implements the post, friendship and feed operations on top of
// the replica router, the feed cache and the event bus.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"socialfeed/internal/bus"
	"socialfeed/internal/domain"
	"socialfeed/internal/log"
	"socialfeed/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultMaxLimit = 100

// Router is the subset of replica.Router the service needs.
type Router interface {
	Read(ctx context.Context, fn func(context.Context, storage.Querier) error) error
	Write(ctx context.Context, fn func(context.Context, storage.Querier) error) error
}

// Cache is the subset of feedcache.Cache the service needs.
type Cache interface {
	Read(ctx context.Context, userID string, offset, limit int) ([]domain.Post, bool)
	Write(ctx context.Context, userID string, posts []domain.Post)
	InvalidateMany(ctx context.Context, userIDs []string)
	Capacity() int
}

type Config struct {
	MaxLimit int
}

type Service struct {
	cfg       Config
	router    Router
	cache     Cache
	publisher bus.Publisher
	logger    zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(router Router, cache Cache, publisher bus.Publisher, cfg Config) *Service {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultMaxLimit
	}
	if publisher == nil {
		publisher = bus.Nop{}
	}
	return &Service{
		cfg:       cfg,
		router:    router,
		cache:     cache,
		publisher: publisher,
		logger:    log.WithComponent("feed"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
}

func (s *Service) RegisterUser(ctx context.Context, firstName, secondName string) (domain.User, error) {
	firstName, secondName = strings.TrimSpace(firstName), strings.TrimSpace(secondName)
	if firstName == "" || secondName == "" {
		return domain.User{}, domain.Invalidf("first_name and second_name are required")
	}
	u := domain.User{ID: s.newID(), FirstName: firstName, SecondName: secondName}
	err := s.router.Write(ctx, func(ctx context.Context, q storage.Querier) error {
		return insertUser(ctx, q, u, s.now())
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("register user: %w", err)
	}
	s.logger.Info().Str("user_id", u.ID).Msg("user registered")
	return u, nil
}

// CreatePost stores the post, invalidates the audience's windows and
// publishes one event per user whose feed shows the author. Publish failures are logged; the
// post is already committed at that point.
func (s *Service) CreatePost(ctx context.Context, authorID, text string) (domain.Post, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Post{}, domain.Invalidf("post text is required")
	}
	now := s.now()
	post := domain.Post{ID: s.newID(), Text: text, AuthorID: authorID, CreatedAt: now, UpdatedAt: now}
	err := s.router.Write(ctx, func(ctx context.Context, q storage.Querier) error {
		ok, err := userExists(ctx, q, authorID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundf("user %s not found", authorID)
		}
		return insertPost(ctx, q, post)
	})
	if err != nil {
		return domain.Post{}, fmt.Errorf("create post: %w", err)
	}

	if _, err := s.invalidateAudience(ctx, authorID); err != nil {
		return domain.Post{}, fmt.Errorf("create post: %w", err)
	}
	var recipients []string
	err = s.router.Read(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		recipients, err = readers(ctx, q, authorID)
		return err
	})
	if err != nil {
		return domain.Post{}, fmt.Errorf("create post: %w", err)
	}
	for _, id := range recipients {
		if err := s.publisher.PublishPost(ctx, id, post); err != nil {
			s.logger.Error().Err(err).Str("post_id", post.ID).Str("user_id", id).Msg("publish post event")
		}
	}
	s.logger.Info().Str("post_id", post.ID).Str("user_id", authorID).Int("audience", len(recipients)).Msg("post created")
	return post, nil
}

func (s *Service) UpdatePost(ctx context.Context, userID, postID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Invalidf("post text is required")
	}
	err := s.router.Write(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := s.ownedPost(ctx, q, userID, postID); err != nil {
			return err
		}
		return updatePostText(ctx, q, postID, text, s.now())
	})
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if _, err := s.invalidateAudience(ctx, userID); err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	return nil
}

func (s *Service) DeletePost(ctx context.Context, userID, postID string) error {
	err := s.router.Write(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := s.ownedPost(ctx, q, userID, postID); err != nil {
			return err
		}
		return deactivatePost(ctx, q, postID, s.now())
	})
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if _, err := s.invalidateAudience(ctx, userID); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (s *Service) ownedPost(ctx context.Context, q storage.Querier, userID, postID string) error {
	post, ok, err := activePost(ctx, q, postID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFoundf("post %s not found", postID)
	}
	if post.AuthorID != userID {
		return domain.Forbiddenf("post %s belongs to another user", postID)
	}
	return nil
}

func (s *Service) GetPost(ctx context.Context, postID string) (domain.Post, error) {
	var (
		post domain.Post
		ok   bool
	)
	err := s.router.Read(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		post, ok, err = activePost(ctx, q, postID)
		return err
	})
	if err != nil {
		return domain.Post{}, fmt.Errorf("get post: %w", err)
	}
	if !ok {
		return domain.Post{}, domain.NotFoundf("post %s not found", postID)
	}
	return post, nil
}

func (s *Service) AddFriend(ctx context.Context, userID, friendID string) error {
	if userID == friendID {
		return domain.Invalidf("cannot add yourself as a friend")
	}
	err := s.router.Write(ctx, func(ctx context.Context, q storage.Querier) error {
		ok, err := userExists(ctx, q, friendID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundf("user %s not found", friendID)
		}
		return upsertFriend(ctx, q, userID, friendID, s.now())
	})
	if err != nil {
		return fmt.Errorf("add friend: %w", err)
	}
	s.cache.InvalidateMany(ctx, []string{userID, friendID})
	return nil
}

func (s *Service) RemoveFriend(ctx context.Context, userID, friendID string) error {
	err := s.router.Write(ctx, func(ctx context.Context, q storage.Querier) error {
		ok, err := activeFriendship(ctx, q, userID, friendID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundf("friend %s not found", friendID)
		}
		return deactivateFriend(ctx, q, userID, friendID, s.now())
	})
	if err != nil {
		return fmt.Errorf("remove friend: %w", err)
	}
	s.cache.InvalidateMany(ctx, []string{userID, friendID})
	return nil
}

func (s *Service) ListFriends(ctx context.Context, userID string) ([]domain.User, error) {
	var out []domain.User
	err := s.router.Read(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		out, err = listFriends(ctx, q, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return out, nil
}

// GetFeed serves a page from the cache when the window can answer it.
// Otherwise it reads storage; only offset 0 repopulates the window, with up
// to Capacity posts.
func (s *Service) GetFeed(ctx context.Context, userID string, offset, limit int) (domain.FeedPage, error) {
	if offset < 0 {
		return domain.FeedPage{}, domain.Invalidf("offset must be >= 0")
	}
	if limit < 1 || limit > s.cfg.MaxLimit {
		return domain.FeedPage{}, domain.Invalidf("limit must be between 1 and %d", s.cfg.MaxLimit)
	}
	page := domain.FeedPage{UserID: userID, Offset: offset, Limit: limit}

	if posts, ok := s.cache.Read(ctx, userID, offset, limit); ok {
		page.Posts, page.Cached = posts, true
		return page, nil
	}

	load := limit
	if offset == 0 {
		load = max(limit, s.cache.Capacity())
	}
	var posts []domain.Post
	err := s.router.Read(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		posts, err = feedPosts(ctx, q, userID, offset, load)
		return err
	})
	if err != nil {
		return domain.FeedPage{}, fmt.Errorf("get feed: %w", err)
	}

	if offset == 0 && len(posts) > 0 {
		s.cache.Write(ctx, userID, posts[:min(s.cache.Capacity(), len(posts))])
	}
	page.Posts = posts[:min(limit, len(posts))]
	return page, nil
}

func (s *Service) invalidateAudience(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.router.Read(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		ids, err = audience(ctx, q, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateMany(ctx, ids)
	return ids, nil
}
