package library

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Resume is the viewer's materialized movie for a room, kept so a reload
// can rebind it without rejoining the swarm.
type Resume struct {
	Room     string    `json:"room"`
	FileName string    `json:"fileName"`
	MimeType string    `json:"mimeType"`
	SavedAt  time.Time `json:"savedAt"`
}

func (l *Library) SaveResume(room, name, mimeType string, blob []byte) error {
	if err := l.checkSize(name, len(blob)); err != nil {
		return err
	}
	r := Resume{Room: room, FileName: name, MimeType: mimeType, SavedAt: l.now()}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketResume).Put([]byte(room), b); err != nil {
			return err
		}
		return tx.Bucket(bucketResumeB).Put([]byte(room), blob)
	})
	if err != nil {
		return fmt.Errorf("failed to save resume for room %s: %w", room, err)
	}
	return nil
}

// LoadResume returns the stored blob for room. Entries older than the max
// age are treated as absent and deleted.
func (l *Library) LoadResume(room string) (*Resume, []byte, error) {
	var (
		r     Resume
		blob  []byte
		stale bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketResume).Get([]byte(room))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if l.now().Sub(r.SavedAt) > l.maxAge {
			stale = true
			return nil
		}
		blob = append([]byte(nil), tx.Bucket(bucketResumeB).Get([]byte(room))...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if stale {
		l.DeleteResume(room)
		return nil, nil, ErrNotFound
	}
	return &r, blob, nil
}

func (l *Library) DeleteResume(room string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketResume).Delete([]byte(room)); err != nil {
			return err
		}
		return tx.Bucket(bucketResumeB).Delete([]byte(room))
	})
}
