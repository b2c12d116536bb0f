package protocol

import "time"

// User is an identity record returned by the gateway. The backend keys users
// by "_id"; every other field uses its camelCase name.
type User struct {
	ID          string    `json:"_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// Message is a single chat message. Messages are immutable once created;
// the id and createdAt are always server-assigned.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}
