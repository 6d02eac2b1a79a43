package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTopic_Key_RoundTrips(t *testing.T) {
	req := require.New(t)

	topics := []Topic{
		RoomTopic("42"),
		DirectThreadTopic("alice-bob"),
		GlobalInboxTopic("alice"),
	}

	for _, topic := range topics {
		parsed, err := ParseTopic(topic.Key())
		req.NoError(err)
		req.Equal(topic, parsed)
	}
}

func TestParseTopic_IDMayContainSeparator(t *testing.T) {
	req := require.New(t)

	// Only the first colon splits kind from id
	topic, err := ParseTopic("dm:alice:bob")
	req.NoError(err)
	req.Equal(TopicDirectThread, topic.Kind)
	req.Equal("alice:bob", topic.ID)
}

func TestParseTopic_Invalid(t *testing.T) {
	for _, key := range []string{"", "room", "room:", "shout:42", ":42"} {
		_, err := ParseTopic(key)
		require.Error(t, err, "key %q", key)
	}
}

func TestPresenceRecord_Stale(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	rec := PresenceRecord{UserID: "alice", Status: StatusOnline, LastSeen: now.Add(-90 * time.Second)}

	req.True(rec.Stale(time.Minute, now))
	req.False(rec.Stale(2*time.Minute, now))
}
