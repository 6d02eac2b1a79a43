package internal

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

//go:embed inspect.html
var templatesFS embed.FS

// InspectRow is one rendered key of the relay's keyspace.
type InspectRow struct {
	Key       string
	Namespace string
	Topic     string
	Seq       string
	EntityID  string
	Detail    string
}

type RowMapper func(key string, val []byte) InspectRow
type StatsProvider func() map[string]any

type PageData struct {
	Prefix string
	Items  []InspectRow
	Stats  map[string]any
}

// StartDebugServer exposes a read-only HTML view over the badger keyspace,
// plus the delivery counters. Debug tooling only; never enabled by default.
func StartDebugServer(db *badger.DB, port int, endpoint string, mapper RowMapper, statsProvider StatsProvider) {
	mux := http.NewServeMux()
	tmpl := template.Must(template.ParseFS(templatesFS, "inspect.html"))

	if mapper == nil {
		mapper = ChangeLogMapper
	}

	mux.HandleFunc(endpoint, func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = "log:"
		}

		data := PageData{
			Prefix: prefix,
			Stats:  make(map[string]any),
		}
		if statsProvider != nil {
			data.Stats = statsProvider()
		}

		_ = db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				item := it.Item()
				_ = item.Value(func(val []byte) error {
					data.Items = append(data.Items, mapper(string(item.Key()), val))
					return nil
				})
			}
			return nil
		})

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.Execute(w, data)
	})

	go func() {
		_ = http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", port), mux)
	}()
}

// ChangeLogMapper renders change-log keys (log:<kind>:<id>:<seq>:<entity>)
// and falls back to a raw view for anything else, presence records included.
func ChangeLogMapper(key string, val []byte) InspectRow {
	row := InspectRow{
		Key:       key,
		Namespace: "raw",
		Topic:     "-",
		Seq:       "-",
		EntityID:  "-",
		Detail:    "Size: " + strconv.Itoa(len(val)) + " bytes",
	}

	parts := strings.Split(key, ":")
	switch {
	case parts[0] == "log" && len(parts) >= 5:
		row.Namespace = "log"
		row.Topic = parts[1] + ":" + parts[2]
		row.EntityID = parts[len(parts)-1]
		seq := strings.TrimLeft(parts[len(parts)-2], "0")
		if seq == "" {
			seq = "0"
		}
		row.Seq = seq
		if micros, err := strconv.ParseInt(seq, 10, 64); err == nil && micros > 1e15 {
			row.Detail = time.UnixMicro(micros).Format("15:04:05.000000")
		}
	case parts[0] == "presence" && len(parts) >= 2:
		row.Namespace = "presence"
		row.EntityID = parts[1]
		row.Detail = string(val)
	}
	return row
}
