// Package domain contains core concepts of the realtime layer.
// Topics identify logical streams; presence and message models live here too.
package domain

import (
	"fmt"
	"strings"
)

type TopicKind string

const (
	TopicRoom         TopicKind = "room"
	TopicDirectThread TopicKind = "dm"
	TopicGlobalInbox  TopicKind = "inbox"
)

// Topic identifies a logical stream: a room, a direct-message thread, or a
// user's global inbox. Immutable once a subscription is created.
type Topic struct {
	Kind TopicKind
	ID   string
}

func RoomTopic(roomID string) Topic { return Topic{Kind: TopicRoom, ID: roomID} }

func DirectThreadTopic(threadID string) Topic { return Topic{Kind: TopicDirectThread, ID: threadID} }

func GlobalInboxTopic(userID string) Topic { return Topic{Kind: TopicGlobalInbox, ID: userID} }

// Key is the canonical string form, usable as a map key and as a storage
// prefix. Round-trips through ParseTopic.
func (t Topic) Key() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.ID)
}

func (t Topic) String() string { return t.Key() }

func (t Topic) IsZero() bool { return t.Kind == "" && t.ID == "" }

// ParseTopic parses the canonical "kind:id" form produced by Key.
func ParseTopic(key string) (Topic, error) {
	kind, id, found := strings.Cut(key, ":")
	if !found || id == "" {
		return Topic{}, fmt.Errorf("invalid topic key %q", key)
	}
	switch TopicKind(kind) {
	case TopicRoom, TopicDirectThread, TopicGlobalInbox:
		return Topic{Kind: TopicKind(kind), ID: id}, nil
	}
	return Topic{}, fmt.Errorf("invalid topic kind %q", kind)
}
