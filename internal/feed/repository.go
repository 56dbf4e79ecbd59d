package feed

import (
	"context"
	"time"

	"socialfeed/internal/domain"
	"socialfeed/internal/storage"
)

// SQL is written with '?' placeholders; postgres nodes rebind them.

const postColumns = `p.id, p.text, p.author_user_id, p.created_at_ns, p.updated_at_ns`

func insertUser(ctx context.Context, q storage.Querier, u domain.User, now time.Time) error {
	_, err := q.Exec(ctx,
		`INSERT INTO users (id, first_name, second_name, is_active, created_at_ns) VALUES (?, ?, ?, TRUE, ?)`,
		u.ID, u.FirstName, u.SecondName, now.UnixNano())
	return err
}

func userExists(ctx context.Context, q storage.Querier, userID string) (bool, error) {
	rows, err := q.Query(ctx, `SELECT 1 FROM users WHERE id = ? AND is_active = TRUE`, userID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

func insertPost(ctx context.Context, q storage.Querier, p domain.Post) error {
	_, err := q.Exec(ctx,
		`INSERT INTO posts (id, text, author_user_id, is_active, created_at_ns, updated_at_ns) VALUES (?, ?, ?, TRUE, ?, ?)`,
		p.ID, p.Text, p.AuthorID, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	return err
}

// activePost returns ok=false for unknown and soft-deleted posts alike.
func activePost(ctx context.Context, q storage.Querier, postID string) (domain.Post, bool, error) {
	posts, err := queryPosts(ctx, q, `SELECT `+postColumns+` FROM posts p WHERE p.id = ? AND p.is_active = TRUE`, postID)
	if err != nil || len(posts) == 0 {
		return domain.Post{}, false, err
	}
	return posts[0], true, nil
}

func updatePostText(ctx context.Context, q storage.Querier, postID, text string, now time.Time) error {
	_, err := q.Exec(ctx, `UPDATE posts SET text = ?, updated_at_ns = ? WHERE id = ? AND is_active = TRUE`, text, now.UnixNano(), postID)
	return err
}

func deactivatePost(ctx context.Context, q storage.Querier, postID string, now time.Time) error {
	_, err := q.Exec(ctx, `UPDATE posts SET is_active = FALSE, updated_at_ns = ? WHERE id = ?`, now.UnixNano(), postID)
	return err
}

// upsertFriend creates the edge or reactivates an inactive one.
func upsertFriend(ctx context.Context, q storage.Querier, userID, friendID string, now time.Time) error {
	ns := now.UnixNano()
	_, err := q.Exec(ctx, `
INSERT INTO friends (user_id, friend_id, is_active, created_at_ns, updated_at_ns) VALUES (?, ?, TRUE, ?, ?)
ON CONFLICT (user_id, friend_id) DO UPDATE SET is_active = TRUE, updated_at_ns = excluded.updated_at_ns`,
		userID, friendID, ns, ns)
	return err
}

func activeFriendship(ctx context.Context, q storage.Querier, userID, friendID string) (bool, error) {
	rows, err := q.Query(ctx, `SELECT 1 FROM friends WHERE user_id = ? AND friend_id = ? AND is_active = TRUE`, userID, friendID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

func deactivateFriend(ctx context.Context, q storage.Querier, userID, friendID string, now time.Time) error {
	_, err := q.Exec(ctx, `UPDATE friends SET is_active = FALSE, updated_at_ns = ? WHERE user_id = ? AND friend_id = ?`, now.UnixNano(), userID, friendID)
	return err
}

// audience lists everyone joined to userID by an active edge in either
// direction.
// audience lists every user joined to userID by an active edge in either
// direction.
func audience(ctx context.Context, q storage.Querier, userID string) ([]string, error) {
	return queryIDs(ctx, q, `
SELECT friend_id FROM friends WHERE user_id = ? AND is_active = TRUE
UNION
SELECT user_id FROM friends WHERE friend_id = ? AND is_active = TRUE`, userID, userID)
}

// readers lists the users whose feed includes authorID's posts.
func readers(ctx context.Context, q storage.Querier, authorID string) ([]string, error) {
	return queryIDs(ctx, q, `SELECT user_id FROM friends WHERE friend_id = ? AND is_active = TRUE`, authorID)
}

func queryIDs(ctx context.Context, q storage.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func listFriends(ctx context.Context, q storage.Querier, userID string) ([]domain.User, error) {
	rows, err := q.Query(ctx, `
SELECT u.id, u.first_name, u.second_name
FROM friends f
JOIN users u ON f.friend_id = u.id
WHERE f.user_id = ? AND f.is_active = TRUE AND u.is_active = TRUE
ORDER BY u.first_name, u.second_name, u.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.SecondName); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// feedPosts pages through the active posts of the users userID follows,
// newest update first.
func feedPosts(ctx context.Context, q storage.Querier, userID string, offset, limit int) ([]domain.Post, error) {
	return queryPosts(ctx, q, `
SELECT `+postColumns+`
FROM posts p
JOIN friends f ON f.friend_id = p.author_user_id
WHERE f.user_id = ? AND f.is_active = TRUE AND p.is_active = TRUE
ORDER BY p.updated_at_ns DESC, p.id DESC
LIMIT ? OFFSET ?`, userID, limit, offset)
}

func queryPosts(ctx context.Context, q storage.Querier, query string, args ...any) ([]domain.Post, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Post{}
	for rows.Next() {
		var (
			p                  domain.Post
			createdNs, updated int64
		)
		if err := rows.Scan(&p.ID, &p.Text, &p.AuthorID, &createdNs, &updated); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(0, createdNs).UTC()
		p.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
