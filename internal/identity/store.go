// Package identity persists the local anonymous user id and the last
// joined session so the CLI can resume after a restart.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdentity = []byte("identity")
	keyUserID      = []byte("user_id")
	keyLast        = []byte("last_session")
)

var ErrNoLastSession = errors.New("no saved session")

// LastSession is the resume point of the most recent session.
type LastSession struct {
	Server    string    `json:"server"`
	SessionID string    `json:"session_id"`
	TripID    string    `json:"trip_id,omitempty"`
	Watermark int64     `json:"watermark"`
	SavedAt   time.Time `json:"saved_at"`
}

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state: %w", err)
	}
	return &Store{db: db}, nil
}

// DefaultPath is ~/.tripcollab/state.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tripcollab", "state.db")
	}
	return filepath.Join(home, ".tripcollab", "state.db")
}

func (s *Store) Close() error { return s.db.Close() }

// UserID returns the stored anonymous id, generating one on first use.
func (s *Store) UserID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if v := b.Get(keyUserID); len(v) > 0 {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(keyUserID, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("user id: %w", err)
	}
	return id, nil
}

func (s *Store) SaveLast(ls LastSession) error {
	if ls.SessionID == "" {
		return fmt.Errorf("save last session: empty session id")
	}
	if ls.SavedAt.IsZero() {
		ls.SavedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(ls)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put(keyLast, raw)
	})
}

func (s *Store) Last() (LastSession, error) {
	var ls LastSession
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdentity).Get(keyLast)
		if v == nil {
			return ErrNoLastSession
		}
		return json.Unmarshal(v, &ls)
	})
	return ls, err
}

// ClearLast forgets the resume point after an explicit leave.
func (s *Store) ClearLast() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Delete(keyLast)
	})
}
