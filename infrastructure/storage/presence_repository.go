package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jellydator/ttlcache/v3"

	"chat-relay/domain"
)

const presencePrefix = "presence:"

// readCacheTTL bounds how stale a served presence read can be. Short on
// purpose: presence is advisory state, not worth a storage read per render.
const readCacheTTL = 5 * time.Second

// PresenceRepository persists heartbeat records in badger and serves reads
// through a small TTL cache. Records carry a badger TTL of three staleness
// horizons, so a user whose client vanished stops existing in storage too.
type PresenceRepository struct {
	db      *badger.DB
	horizon time.Duration
	cache   *ttlcache.Cache[string, domain.PresenceRecord]
}

// NewPresenceRepository builds a repository that treats records older than
// staleAfter as offline.
func NewPresenceRepository(db *badger.DB, staleAfter time.Duration) *PresenceRepository {
	cache := ttlcache.New[string, domain.PresenceRecord](
		ttlcache.WithTTL[string, domain.PresenceRecord](readCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, domain.PresenceRecord](),
	)
	go cache.Start()

	return &PresenceRepository{
		db:      db,
		horizon: staleAfter,
		cache:   cache,
	}
}

func presenceKey(userID string) []byte {
	return []byte(presencePrefix + userID)
}

// UpsertPresence implements contract.PresenceStore.
func (p *PresenceRepository) UpsertPresence(_ context.Context, rec domain.PresenceRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("presence record without user id")
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = p.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(presenceKey(rec.UserID), value).WithTTL(3 * p.horizon)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return err
	}

	p.cache.Set(rec.UserID, rec, ttlcache.DefaultTTL)
	return nil
}

// GetPresence returns the last published record for a user. Unknown users
// and stale records come back as offline with the stored LastSeen, never an
// error: absence of presence is not a failure.
func (p *PresenceRepository) GetPresence(_ context.Context, userID string) (domain.PresenceRecord, error) {
	if item := p.cache.Get(userID); item != nil {
		return p.withStaleness(item.Value()), nil
	}

	var rec domain.PresenceRecord
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(presenceKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	switch {
	case err == nil:
		p.cache.Set(userID, rec, ttlcache.DefaultTTL)
		return p.withStaleness(rec), nil
	case err == badger.ErrKeyNotFound:
		return domain.PresenceRecord{UserID: userID, Status: domain.StatusOffline}, nil
	default:
		return domain.PresenceRecord{}, err
	}
}

func (p *PresenceRepository) withStaleness(rec domain.PresenceRecord) domain.PresenceRecord {
	if rec.Stale(p.horizon, time.Now()) {
		rec.Status = domain.StatusOffline
	}
	return rec
}

// Close stops the cache janitor.
func (p *PresenceRepository) Close() {
	p.cache.Stop()
}
