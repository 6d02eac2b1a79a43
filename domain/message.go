// Package domain contains core concepts of the realtime layer.
// This file defines the Message payload model.
// Messages are immutable; edits arrive as new revisions of the same entity id.
package domain

import "time"

// Message is the decoded payload of message events. The realtime layer does
// not validate content; it forwards whatever revision the backend stored.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
