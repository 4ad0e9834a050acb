// Package audit is an append-only, non-authoritative decision log of
// admission outcomes, backed by bbolt. It exists purely for post-hoc
// inspection; allocated_resources is never reconstructed from it, and
// nothing in the admission path reads it back (spec.md §3, §9 — state is
// in-memory and authoritative only while the process runs).
package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketDecisions = []byte("decisions")

// Decision is one entry: an allocation or deallocation outcome for a
// reservation key.
type Decision struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"` // "allocate" or "deallocate"
	EdgeNodeID string    `json:"edge_node_id"`
	FogNodeID  string    `json:"fog_node_id"`
	FogPort    int       `json:"fog_port"`
	Result     string    `json:"result"` // "success", "no-compute", "no-network", "partial-allocation"
	FailureMsg string    `json:"failure_msg,omitempty"`
}

// Log is a bbolt-backed append-only store of Decisions.
type Log struct {
	db *bolt.DB
}

// Open opens (creating if absent) the audit log under dataDir.
func Open(dataDir string) (*Log, error) {
	dbPath := filepath.Join(dataDir, "fdk_audit.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDecisions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create bucket: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends d to the log, keyed by a fixed-width UTC timestamp (then
// edge node id and event id) so entries are naturally ordered by bbolt's
// byte-sorted keys.
func (l *Log) Record(d Decision) error {
	if d.EventID == "" {
		d.EventID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		key := []byte(d.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "-" + d.EdgeNodeID + "-" + d.EventID)
		return b.Put(key, data)
	})
}

// List returns every recorded decision in key (timestamp) order.
func (l *Log) List() ([]Decision, error) {
	var decisions []Decision
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		return b.ForEach(func(k, v []byte) error {
			var d Decision
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			decisions = append(decisions, d)
			return nil
		})
	})
	return decisions, err
}
