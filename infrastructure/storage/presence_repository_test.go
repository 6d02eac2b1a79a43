package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/domain"
)

func TestPresenceRepository_UpsertThenGet(t *testing.T) {
	req := require.New(t)
	repo := NewPresenceRepository(testDB(t), time.Minute)
	defer repo.Close()
	ctx := context.Background()

	rec := domain.PresenceRecord{
		UserID:   "alice",
		Status:   domain.StatusBusy,
		RoomID:   "42",
		LastSeen: time.Now(),
	}
	req.NoError(repo.UpsertPresence(ctx, rec))

	got, err := repo.GetPresence(ctx, "alice")
	req.NoError(err)
	req.Equal(domain.StatusBusy, got.Status)
	req.Equal("42", got.RoomID)
}

func TestPresenceRepository_UnknownUserIsOffline(t *testing.T) {
	req := require.New(t)
	repo := NewPresenceRepository(testDB(t), time.Minute)
	defer repo.Close()

	// Absence of presence is not an error
	got, err := repo.GetPresence(context.Background(), "stranger")
	req.NoError(err)
	req.Equal("stranger", got.UserID)
	req.Equal(domain.StatusOffline, got.Status)
}

func TestPresenceRepository_StaleRecordServedAsOffline(t *testing.T) {
	req := require.New(t)
	repo := NewPresenceRepository(testDB(t), time.Minute)
	defer repo.Close()
	ctx := context.Background()

	// Given a heartbeat older than the staleness horizon
	rec := domain.PresenceRecord{
		UserID:   "bob",
		Status:   domain.StatusOnline,
		LastSeen: time.Now().Add(-2 * time.Minute),
	}
	req.NoError(repo.UpsertPresence(ctx, rec))

	// Then the published status is overridden, the timestamp kept
	got, err := repo.GetPresence(ctx, "bob")
	req.NoError(err)
	req.Equal(domain.StatusOffline, got.Status)
	req.WithinDuration(rec.LastSeen, got.LastSeen, time.Second)
}

func TestPresenceRepository_RejectsRecordWithoutUser(t *testing.T) {
	repo := NewPresenceRepository(testDB(t), time.Minute)
	defer repo.Close()

	err := repo.UpsertPresence(context.Background(), domain.PresenceRecord{Status: domain.StatusOnline})
	require.Error(t, err)
}
