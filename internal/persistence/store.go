// Package persistence keeps a local, best-effort copy of every workspace
// document so a reopened workspace starts from its last known state. It also
// holds per-workspace local settings and the membership directory records.
package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/multierr"

	"collaborative-workspace-sync/internal/codec"
	"collaborative-workspace-sync/internal/crdt"
	apperrors "collaborative-workspace-sync/internal/errors"
	"collaborative-workspace-sync/internal/worker"
)

var (
	bucketDocuments  = []byte("documents")
	bucketSettings   = []byte("settings")
	bucketMembership = []byte("membership")
)

var (
	ErrQuotaExceeded = apperrors.Persistence("Storage quota exceeded", nil)
	ErrCorrupt       = apperrors.Persistence("Stored snapshot is unreadable", nil)
)

const (
	defaultMaxDocumentBytes = 8 << 20
	defaultQuotaCooldown    = 30 * time.Second
	defaultWorkers          = 2
)

type Options struct {
	// Path of the bbolt file. Parent directories are created.
	Path             string
	MaxDocumentBytes int64
	Debounce         time.Duration
	QuotaCooldown    time.Duration
	Workers          int
	Clock            clock.Clock
	Logger           zerolog.Logger
}

type Store struct {
	db      *bolt.DB
	opts    Options
	pool    *worker.WorkerPool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  zerolog.Logger
}

// Open opens or creates the store at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = defaultMaxDocumentBytes
	}
	if opts.QuotaCooldown <= 0 {
		opts.QuotaCooldown = defaultQuotaCooldown
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, apperrors.Persistence("Failed to create data directory", err)
	}
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, apperrors.Persistence("Failed to open store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketSettings, bucketMembership} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperrors.Persistence("Failed to initialize store", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, apperrors.Internal(err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(opts.MaxDocumentBytes)*16))
	if err != nil {
		db.Close()
		return nil, apperrors.Internal(err)
	}

	logger := opts.Logger.With().Str("component", "persistence").Logger()
	return &Store{
		db:      db,
		opts:    opts,
		pool:    worker.NewWorkerPool(opts.Workers, 256, logger),
		encoder: encoder,
		decoder: decoder,
		logger:  logger,
	}, nil
}

// Close waits for queued writes within ctx, then closes the database.
func (s *Store) Close(ctx context.Context) error {
	err := s.pool.Shutdown(ctx)
	err = multierr.Append(err, s.db.Close())
	s.encoder.Close()
	s.decoder.Close()
	return err
}

// SaveSnapshot stores u as the snapshot of workspaceID and returns the stored
// size. Snapshots larger than MaxDocumentBytes are refused.
func (s *Store) SaveSnapshot(workspaceID string, u crdt.Update) (int, error) {
	raw, err := crdt.EncodeUpdate(u)
	if err != nil {
		return 0, apperrors.Internal(err)
	}
	compressed := s.encoder.EncodeAll(raw, nil)
	if int64(len(compressed)) > s.opts.MaxDocumentBytes {
		return len(compressed), ErrQuotaExceeded.WithCause(
			fmt.Errorf("%d bytes over limit of %d", len(compressed), s.opts.MaxDocumentBytes))
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(workspaceID), compressed)
	})
	if err != nil {
		return 0, apperrors.Persistence("Failed to write snapshot", err)
	}
	return len(compressed), nil
}

// LoadSnapshot returns the stored snapshot, if any.
func (s *Store) LoadSnapshot(workspaceID string) (crdt.Update, bool, error) {
	compressed, err := s.get(bucketDocuments, workspaceID)
	if err != nil || compressed == nil {
		return crdt.Update{}, false, err
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return crdt.Update{}, false, ErrCorrupt.WithCause(err)
	}
	u, err := crdt.DecodeUpdate(raw)
	if err != nil {
		return crdt.Update{}, false, ErrCorrupt.WithCause(err)
	}
	return u, true, nil
}

func (s *Store) DeleteSnapshot(workspaceID string) error {
	return s.delete(bucketDocuments, workspaceID)
}

// PurgeWorkspace deletes the snapshot and settings of workspaceID in one
// transaction.
func (s *Store) PurgeWorkspace(workspaceID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketSettings} {
			if err := tx.Bucket(name).Delete([]byte(workspaceID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Persistence("Failed to purge workspace", err)
	}
	return nil
}

// Settings are the local per-workspace options. They never leave the device.
type Settings struct {
	EncryptionEnabled bool   `cbor:"enc"`
	RoomSecret        string `cbor:"secret,omitempty"`
}

// Secret returns the room secret when encryption is enabled.
func (s Settings) Secret() string {
	if !s.EncryptionEnabled {
		return ""
	}
	return s.RoomSecret
}

// Settings reads the settings of workspaceID. Absence means encryption is
// disabled.
func (s *Store) Settings(workspaceID string) (Settings, error) {
	data, err := s.get(bucketSettings, workspaceID)
	if err != nil || data == nil {
		return Settings{}, err
	}
	var settings Settings
	if err := codec.Unmarshal(data, &settings); err != nil {
		return Settings{}, ErrCorrupt.WithCause(err)
	}
	return settings, nil
}

func (s *Store) PutSettings(workspaceID string, settings Settings) error {
	if settings.EncryptionEnabled && settings.RoomSecret == "" {
		return apperrors.Invalid("Encryption enabled without a room secret", nil)
	}
	data, err := codec.Marshal(settings)
	if err != nil {
		return apperrors.Internal(err)
	}
	return s.put(bucketSettings, workspaceID, data)
}

// GetRecord reads a membership record. A missing key returns nil, false.
func (s *Store) GetRecord(key string) ([]byte, bool, error) {
	data, err := s.get(bucketMembership, key)
	return data, data != nil, err
}

func (s *Store) PutRecord(key string, value []byte) error {
	return s.put(bucketMembership, key, value)
}

func (s *Store) DeleteRecord(key string) error {
	return s.delete(bucketMembership, key)
}

// ForEachRecord visits membership records in key order. The value is only
// valid during the call.
func (s *Store) ForEachRecord(fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMembership).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func (s *Store) get(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Persistence("Failed to read store", err)
	}
	return out, nil
}

func (s *Store) put(bucket []byte, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
	if err != nil {
		return apperrors.Persistence("Failed to write store", err)
	}
	return nil
}

func (s *Store) delete(bucket []byte, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
	if err != nil {
		return apperrors.Persistence("Failed to delete from store", err)
	}
	return nil
}
