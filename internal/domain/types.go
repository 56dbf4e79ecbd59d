package domain

import "time"

type User struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name"`
	SecondName string `json:"second_name"`
}

// Post is the record stored in feed windows and pushed to live connections.
// Feed order is UpdatedAt descending.
type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FriendEdge is directional; removal clears Active instead of deleting the row.
type FriendEdge struct {
	UserID    string
	FriendID  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FeedPage struct {
	UserID string
	Offset int
	Limit  int
	Posts  []Post
	Cached bool
}
