package chat

import "time"

// Session captures one logical conversation bound to a transport identifier.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
