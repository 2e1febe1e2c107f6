// Package library is the on-disk movie cache: processed files keyed by
// filename and size, plus a per-room resume store for the viewer's blob.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("library-entry-not-found")
	ErrTooLarge = errors.New("library-entry-too-large")
	ErrClosed   = errors.New("library closed")
)

// DefaultMaxBlobSize caps a stored blob. A blob is one bbolt value, which
// bbolt limits to about 2 GiB, and Load reads it back whole.
const DefaultMaxBlobSize int64 = 1 << 30

var (
	bucketEntries = []byte("entries")
	bucketBlobs   = []byte("blobs")
	bucketResume  = []byte("resume")
	bucketResumeB = []byte("resume_blobs")
)

type Entry struct {
	Key           string    `json:"key"`
	FileName      string    `json:"fileName"`
	FileSize      int64     `json:"fileSize"`
	MimeType      string    `json:"mimeType"`
	AddedAt       time.Time `json:"addedAt"`
	LastWatchedAt time.Time `json:"lastWatchedAt"`
}

// Key builds the entry key for a file.
func Key(name string, size int64) string {
	return name + "::" + strconv.FormatInt(size, 10)
}

type Library struct {
	db      *bolt.DB
	maxAge  time.Duration
	maxBlob int64
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Library)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Library) { l.now = now }
}

// WithMaxBlobSize overrides DefaultMaxBlobSize. Values above bbolt's value
// limit are clamped to the default.
func WithMaxBlobSize(n int64) Option {
	return func(l *Library) {
		if n > 0 && n <= bolt.MaxValueSize {
			l.maxBlob = n
		}
	}
}

func Open(path string, maxAge time.Duration, logger zerolog.Logger, opts ...Option) (*Library, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open library %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketBlobs, bucketResume, bucketResumeB} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create library buckets: %w", err)
	}

	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	l := &Library{
		db:      db,
		maxAge:  maxAge,
		maxBlob: DefaultMaxBlobSize,
		now:     time.Now,
		logger:  logger.With().Str("component", "library").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Library) Close() error {
	return l.db.Close()
}

// MaxBlobSize is the largest blob Save and SaveResume accept.
func (l *Library) MaxBlobSize() int64 { return l.maxBlob }

func (l *Library) checkSize(what string, n int) error {
	if int64(n) > l.maxBlob {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, what, n, l.maxBlob)
	}
	return nil
}

// Save stores blob under name. Saving the same name and size again replaces
// the blob and keeps the original AddedAt. Blobs over MaxBlobSize are
// refused with ErrTooLarge.
func (l *Library) Save(name, mimeType string, blob []byte) (Entry, error) {
	if err := l.checkSize(name, len(blob)); err != nil {
		return Entry{}, err
	}
	now := l.now()
	e := Entry{
		Key:           Key(name, int64(len(blob))),
		FileName:      name,
		FileSize:      int64(len(blob)),
		MimeType:      mimeType,
		AddedAt:       now,
		LastWatchedAt: now,
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if prev := entries.Get([]byte(e.Key)); prev != nil {
			var old Entry
			if json.Unmarshal(prev, &old) == nil {
				e.AddedAt = old.AddedAt
			}
		}
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := entries.Put([]byte(e.Key), b); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobs).Put([]byte(e.Key), blob)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to save %s: %w", e.Key, err)
	}
	l.logger.Debug().Str("key", e.Key).Msg("entry saved")
	return e, nil
}

// Find returns the metadata of the most recently watched entry named name.
// A zero size matches any size.
func (l *Library) Find(name string, size int64) (*Entry, error) {
	var found *Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.FileName != name || (size > 0 && e.FileSize != size) || l.expired(e) {
				return nil
			}
			if found == nil || e.LastWatchedAt.After(found.LastWatchedAt) {
				found = &e
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Load returns the entry with its blob and bumps LastWatchedAt.
func (l *Library) Load(key string) (*Entry, []byte, error) {
	var (
		e    Entry
		blob []byte
	)
	err := l.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if l.expired(e) {
			return ErrNotFound
		}
		// bbolt memory is only valid inside the transaction.
		blob = append([]byte(nil), tx.Bucket(bucketBlobs).Get([]byte(key))...)

		e.LastWatchedAt = l.now()
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Put([]byte(key), b)
	})
	if err != nil {
		return nil, nil, err
	}
	return &e, blob, nil
}

// List returns unexpired entries, most recently watched first.
func (l *Library) List() ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil && !l.expired(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastWatchedAt.After(out[j].LastWatchedAt) })
	return out, nil
}

func (l *Library) Remove(key string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEntries).Get([]byte(key)) == nil {
			return ErrNotFound
		}
		if err := tx.Bucket(bucketEntries).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
}

// Prune deletes expired library and resume entries and reports how many
// were removed.
func (l *Library) Prune() (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		n, err := l.pruneBucket(tx, bucketEntries, bucketBlobs, func(v []byte) (time.Time, bool) {
			var e Entry
			if json.Unmarshal(v, &e) != nil {
				return time.Time{}, false
			}
			return e.LastWatchedAt, true
		})
		if err != nil {
			return err
		}
		removed += n

		n, err = l.pruneBucket(tx, bucketResume, bucketResumeB, func(v []byte) (time.Time, bool) {
			var r Resume
			if json.Unmarshal(v, &r) != nil {
				return time.Time{}, false
			}
			return r.SavedAt, true
		})
		removed += n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune library: %w", err)
	}
	if removed > 0 {
		l.logger.Info().Int("removed", removed).Msg("expired entries pruned")
	}
	return removed, nil
}

func (l *Library) pruneBucket(tx *bolt.Tx, meta, blobs []byte, stamp func([]byte) (time.Time, bool)) (int, error) {
	var stale [][]byte
	err := tx.Bucket(meta).ForEach(func(k, v []byte) error {
		t, ok := stamp(v)
		if !ok || l.now().Sub(t) > l.maxAge {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := tx.Bucket(meta).Delete(k); err != nil {
			return 0, err
		}
		if err := tx.Bucket(blobs).Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (l *Library) expired(e Entry) bool {
	return l.now().Sub(e.LastWatchedAt) > l.maxAge
}
