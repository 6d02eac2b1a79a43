// Package storage is the badger-backed storage collaborator: the change log
// the transports read from, and the presence records the heartbeat writes.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	badgerpb "github.com/dgraph-io/badger/v4/pb"

	"chat-relay/contract"
	"chat-relay/domain"
)

const changeLogPrefix = "log:"

// seqWidth is the zero-padded width of the seq segment in change-log keys.
const seqWidth = 20

// Row is one appended change. Seq is assigned on append when zero
// (microsecond timestamp, unique per topic through the key layout).
type Row struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Topic     string          `json:"topic"`
	Entity    string          `json:"entity"`
	Op        string          `json:"op"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChangeLog stores change rows under seq-ordered keys
// (log:<topic>:<seq, zero padded>:<entity id>) so a prefix scan yields a
// topic's history oldest first, and a prefix watch yields new rows as they
// are written. It implements both the polling querier and the push feed.
type ChangeLog struct {
	db  *badger.DB
	log *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

type watcher struct {
	cancel   context.CancelFunc
	handlers map[uint64]feedHandler
	nextID   uint64
}

type feedHandler struct {
	onRow  func(row []byte)
	onFail func(err error)
}

func NewChangeLog(db *badger.DB, log *slog.Logger) *ChangeLog {
	return &ChangeLog{
		db:       db,
		log:      log,
		watchers: make(map[string]*watcher),
	}
}

func topicPrefix(topic domain.Topic) []byte {
	return []byte(fmt.Sprintf("%s%s:", changeLogPrefix, topic.Key()))
}

func rowKey(topic domain.Topic, seq int64, entityID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", changeLogPrefix, topic.Key(), seq, entityID))
}

// seqFromKey parses the padded seq segment out of a change-log key. The seq
// sits at a fixed offset after the topic prefix; splitting on the separator
// would misparse entity ids (and direct-thread topic ids) that contain one.
func seqFromKey(key, prefix []byte) (int64, error) {
	if len(key) < len(prefix)+seqWidth {
		return 0, fmt.Errorf("malformed change-log key %q", key)
	}
	return strconv.ParseInt(string(key[len(prefix):len(prefix)+seqWidth]), 10, 64)
}

// Append writes a row to a topic's log and returns the assigned seq. Used by
// the ingestion bridge and by tests; the realtime layer itself only reads.
func (c *ChangeLog) Append(_ context.Context, topic domain.Topic, row Row) (int64, error) {
	if row.Seq == 0 {
		row.Seq = time.Now().UnixMicro()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.Topic = topic.Key()

	value, err := json.Marshal(row)
	if err != nil {
		return 0, err
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rowKey(topic, row.Seq, row.ID), value)
	})
	if err != nil {
		return 0, err
	}
	return row.Seq, nil
}

// ChangedSince returns all rows for the topic with seq > afterSeq, oldest
// first. Implements contract.ChangeQuerier.
func (c *ChangeLog) ChangedSince(_ context.Context, topic domain.Topic, afterSeq int64) ([]contract.Change, error) {
	var changes []contract.Change
	prefix := topicPrefix(topic)

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek directly past the window instead of filtering the whole log.
		seek := []byte(fmt.Sprintf("%s%020d", prefix, afterSeq+1))
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			seq, err := seqFromKey(item.Key(), prefix)
			if err != nil {
				c.log.Warn("Skipping unparseable change-log key", "key", string(item.Key()))
				continue
			}
			if seq <= afterSeq {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			changes = append(changes, contract.Change{Seq: seq, Payload: value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// LatestSeq returns the highest seq stored for a topic, 0 when the log is
// empty. The poller uses it to anchor its first window at subscribe time.
func (c *ChangeLog) LatestSeq(_ context.Context, topic domain.Topic) (int64, error) {
	var latest int64
	prefix := topicPrefix(topic)

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode, seek to the first key at or before prefix+0xFF.
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		seq, err := seqFromKey(it.Item().Key(), prefix)
		if err != nil {
			return err
		}
		latest = seq
		return nil
	})
	if err != nil {
		return 0, err
	}
	return latest, nil
}

// Feed attaches a handler to the topic's live change feed. The underlying
// badger watch is shared per topic and reference-counted: the first handler
// starts it, the last detaching handler cancels it. A watcher dying for any
// reason other than that cancellation fails every attached handler through
// its onFail. Implements contract.ChangeFeed.
func (c *ChangeLog) Feed(ctx context.Context, topic domain.Topic, onRow func(row []byte), onFail func(err error)) (contract.StopFunc, error) {
	if c.db.IsClosed() {
		return nil, fmt.Errorf("change feed: store is closed")
	}

	key := topic.Key()

	c.mu.Lock()
	w, ok := c.watchers[key]
	if !ok {
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w = &watcher{
			cancel:   cancel,
			handlers: make(map[uint64]feedHandler),
		}
		c.watchers[key] = w
		go c.watch(watchCtx, topic, w)
	}
	id := w.nextID
	w.nextID++
	w.handlers[id] = feedHandler{onRow: onRow, onFail: onFail}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(w.handlers, id)
			if len(w.handlers) == 0 {
				w.cancel()
				// A failed watcher may already have been replaced; only
				// remove the entry this handler still belongs to.
				if c.watchers[key] == w {
					delete(c.watchers, key)
				}
			}
		})
	}, nil
}

func (c *ChangeLog) watch(ctx context.Context, topic domain.Topic, w *watcher) {
	err := c.db.Subscribe(ctx, func(kvs *badgerpb.KVList) error {
		for _, kv := range kvs.GetKv() {
			if len(kv.GetValue()) == 0 {
				continue
			}
			c.mu.Lock()
			handlers := make([]feedHandler, 0, len(w.handlers))
			for _, h := range w.handlers {
				handlers = append(handlers, h)
			}
			c.mu.Unlock()
			for _, h := range handlers {
				h.onRow(kv.GetValue())
			}
		}
		return nil
	}, []badgerpb.Match{{Prefix: topicPrefix(topic)}})

	if ctx.Err() != nil {
		// Last handler detached; nothing left to notify.
		return
	}
	if err == nil {
		// Subscribe also returns on store close; to the attached handlers an
		// ended feed and a failed one are the same thing.
		err = fmt.Errorf("change feed ended")
	}
	c.log.Error("Change feed watcher terminated", "topic", topic.Key(), "error", err)

	c.mu.Lock()
	if c.watchers[topic.Key()] == w {
		delete(c.watchers, topic.Key())
	}
	failed := make([]feedHandler, 0, len(w.handlers))
	for _, h := range w.handlers {
		failed = append(failed, h)
	}
	w.handlers = make(map[uint64]feedHandler)
	c.mu.Unlock()

	for _, h := range failed {
		if h.onFail != nil {
			h.onFail(err)
		}
	}
}
