// Package marker persists the process-wide "last active conversation" id.
// There is no coordination beyond the database itself: the last writer wins.
package marker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrLocked is returned by OpenBolt when another process holds the file.
var ErrLocked = errors.New("state file is in use by another process")

// lockTimeout bounds how long OpenBolt waits for the file lock.
const lockTimeout = time.Second

var (
	stateBucket   = []byte("app_state")
	lastActiveKey = []byte("last_active_chat_id")
)

// Marker reads and writes the last active conversation id.
type Marker interface {
	LastActive(ctx context.Context) (string, error)
	SetLastActive(ctx context.Context, chatID string) error
}

// BoltMarker stores the marker in a BoltDB file.
type BoltMarker struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the marker database at path. The file
// stays exclusively locked until Close, so one runtime owns a state path at a
// time; a second opener gets ErrLocked.
func OpenBolt(path string) (*BoltMarker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("open marker db %s: %w", path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("open marker db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltMarker{db: db}, nil
}

// LastActive returns the stored id, or "" if none was ever written.
func (m *BoltMarker) LastActive(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var id string
	err := m.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(stateBucket); b != nil {
			id = string(b.Get(lastActiveKey))
		}
		return nil
	})
	return id, err
}

// SetLastActive overwrites the stored id. An empty id clears it.
func (m *BoltMarker) SetLastActive(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		if chatID == "" {
			return b.Delete(lastActiveKey)
		}
		return b.Put(lastActiveKey, []byte(chatID))
	})
}

// Close closes the database file.
func (m *BoltMarker) Close() error {
	return m.db.Close()
}
