// Command badger_inspect dumps the relay's badger keyspace as a table:
// change-log rows under log:, presence records under presence:. Read-only;
// safe to point at a live relay's store.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"

	"chat-relay/domain"
	"chat-relay/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "", "Path to badger DB")
	prefix := flag.String("prefix", "log:", "Prefix to scan (log: or presence:)")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("missing -db path")
	}

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Topic", "Seq", "Entity", "Op", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())

			err := item.Value(func(v []byte) error {
				table.Append(renderRow(key, v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

func renderRow(key string, value []byte) []string {
	switch {
	case strings.HasPrefix(key, "log:"):
		var row storage.Row
		if err := json.Unmarshal(value, &row); err != nil {
			return []string{key, "-", "-", "-", "-", fmt.Sprintf("unparseable: %v", err)}
		}
		detail := row.CreatedAt.Format("15:04:05")
		if len(row.Data) > 0 {
			detail = fmt.Sprintf("%s  %s", detail, truncate(string(row.Data), 48))
		}
		return []string{key, row.Topic, fmt.Sprintf("%d", row.Seq), shortID(row.ID), row.Entity + "/" + row.Op, detail}

	case strings.HasPrefix(key, "presence:"):
		var rec domain.PresenceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return []string{key, "-", "-", "-", "-", fmt.Sprintf("unparseable: %v", err)}
		}
		return []string{key, "-", "-", shortID(rec.UserID), string(rec.Status), rec.LastSeen.Format("15:04:05")}

	default:
		return []string{key, "-", "-", "-", "-", fmt.Sprintf("Size: %d bytes", len(value))}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true).
		WithValueLogFileSize(10 * 1024 * 1024)

	db, err := badger.Open(opts)
	if err != nil {
		// Truncate-required corruption needs one writable open to repair.
		if strings.Contains(err.Error(), "Log truncate required") {
			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}

			db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
