package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

var (
	sessionsBucket = []byte("sessions")
	windowsBucket  = []byte("windows")
	eventsBucket   = []byte("events")
)

// BoltStore implements Store on a single bbolt file
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database at path
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, windowsBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveSession implements Store
func (s *BoltStore) SaveSession(ctx context.Context, sess models.AutomationSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sess.ID), data)
	})
}

// GetSession implements Store
func (s *BoltStore) GetSession(ctx context.Context, id string) (models.AutomationSession, error) {
	var sess models.AutomationSession
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &sess)
	})
	return sess, err
}

// ListSessions implements Store
func (s *BoltStore) ListSessions(ctx context.Context) ([]models.AutomationSession, error) {
	var out []models.AutomationSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var sess models.AutomationSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			out = append(out, sess)
			return nil
		})
	})
	return out, err
}

// SaveWindow implements Store
func (s *BoltStore) SaveWindow(ctx context.Context, windowID int, reg models.WindowRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal window %d: %w", windowID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(windowsBucket).Put(windowKey(windowID), data)
	})
}

// GetWindow implements Store
func (s *BoltStore) GetWindow(ctx context.Context, windowID int) (models.WindowRegistration, error) {
	var reg models.WindowRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(windowsBucket).Get(windowKey(windowID))
		if data == nil {
			return fmt.Errorf("window %d: %w", windowID, ErrNotFound)
		}
		return json.Unmarshal(data, &reg)
	})
	return reg, err
}

// DeleteWindow implements Store. Deleting a missing window is not an error.
func (s *BoltStore) DeleteWindow(ctx context.Context, windowID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(windowsBucket).Delete(windowKey(windowID))
	})
}

// ListWindows implements Store
func (s *BoltStore) ListWindows(ctx context.Context) (map[int]models.WindowRegistration, error) {
	out := make(map[int]models.WindowRegistration)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(windowsBucket).ForEach(func(k, v []byte) error {
			id, err := strconv.Atoi(string(k))
			if err != nil {
				return fmt.Errorf("bad window key %q: %w", k, err)
			}
			var reg models.WindowRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return fmt.Errorf("decode window %d: %w", id, err)
			}
			out[id] = reg
			return nil
		})
	})
	return out, err
}

// AppendEvent implements Store
func (s *BoltStore) AppendEvent(ctx context.Context, ev models.SessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(eventKey(ev.SessionID, seq), data)
	})
}

// ListEvents implements Store, oldest first
func (s *BoltStore) ListEvents(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	var out []models.SessionEvent
	prefix := eventPrefix(sessionID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev models.SessionEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event %s: %w", k, err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// Prune implements Store
func (s *BoltStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		events := tx.Bucket(eventsBucket)
		windows := tx.Bucket(windowsBucket)

		terminal := make(map[string]bool)
		var doomed []string
		err := sessions.ForEach(func(k, v []byte) error {
			var sess models.AutomationSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			if !sess.Status.Terminal() {
				return nil
			}
			terminal[sess.ID] = true
			if sess.EndTime != nil && sess.EndTime.Before(cutoff) {
				doomed = append(doomed, sess.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range doomed {
			if err := sessions.Delete([]byte(id)); err != nil {
				return err
			}
			if err := deletePrefix(events, eventPrefix(id)); err != nil {
				return err
			}
			removed++
		}

		var staleWindows [][]byte
		err = windows.ForEach(func(k, v []byte) error {
			var reg models.WindowRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return fmt.Errorf("decode window %s: %w", k, err)
			}
			if !reg.RegisteredAt.Before(cutoff) {
				return nil
			}
			if terminal[reg.SessionID] || sessions.Get([]byte(reg.SessionID)) == nil {
				staleWindows = append(staleWindows, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range staleWindows {
			if err := windows.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

// Close closes the database
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func windowKey(id int) []byte {
	return []byte(strconv.Itoa(id))
}

func eventPrefix(sessionID string) []byte {
	return []byte(sessionID + "/")
}

func eventKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", sessionID, seq))
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
