package local

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
)

// Config tunes the local loglet provider.
type Config struct {
	// DataDir holds the store file. Required.
	DataDir string

	// BatchSizeThreshold caps how many queued commands the writer folds
	// into one committed batch.
	BatchSizeThreshold int

	// FlushInterval is the period of the writer's backstop tick, which
	// commits any pending commands. The writer commits each received
	// command together with whatever is already queued, so commands do
	// not wait for the tick.
	FlushInterval time.Duration

	// ManualSync disables the per-transaction fsync and has the writer
	// sync explicitly after each committed batch instead.
	ManualSync bool

	Clock  clock.Clock
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.BatchSizeThreshold == 0 {
		c.BatchSizeThreshold = 128
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// LogStore owns the bbolt handle shared by every local loglet. The data
// bucket is written exclusively by the writer task; reads go through
// read-only transactions.
type LogStore struct {
	db  *bolt.DB
	log *zap.Logger
}

// OpenLogStore opens (creating if needed) the store under cfg.DataDir
// and ensures both buckets exist.
func OpenLogStore(cfg Config) (*LogStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	path := filepath.Join(cfg.DataDir, dbName+".db")

	var db *bolt.DB
	err := newStorageTask(dbName, taskOpenDb).run(func() error {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open log store %s", path)
	}
	db.NoSync = cfg.ManualSync

	err = newStorageTask(dbName, taskOpenColumnFamily).run(func() error {
		return db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range []string{dataBucket, metadataBucket} {
				if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
					return errors.Wrapf(err, "create bucket %s", bucket)
				}
			}
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &LogStore{db: db, log: cfg.Logger}, nil
}

// GetLogState loads the durable state of a log. ok is false for logs
// never written.
func (s *LogStore) GetLogState(logID uint64) (LogState, bool, error) {
	var (
		state LogState
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(metadataBucket)).Get(metadataKey(logID, metadataKindLogState))
		if value == nil {
			return nil
		}
		decoded, err := decodeLogState(value)
		if err != nil {
			return err
		}
		state, found = decoded, true
		return nil
	})
	return state, found, err
}

// View runs a read-only transaction against the store.
func (s *LogStore) View(fn func(tx *bolt.Tx) error) error {
	return s.db.View(fn)
}

// CreateWriter builds the store's single writer task. Call Start on the
// result before enqueueing.
func (s *LogStore) CreateWriter(cfg Config, watches *watchRegistry) *Writer {
	return newWriter(s.db, cfg, watches, s.log)
}

// Shutdown flushes outstanding pages and closes the store. The writer
// must have stopped first.
func (s *LogStore) Shutdown() {
	start := time.Now()
	if err := newStorageTask(dbName, taskFlushWal).run(s.db.Sync); err != nil {
		s.log.Warn("failed to sync log store on shutdown", zap.Error(err))
	}
	err := newStorageTask(dbName, taskShutdown).run(s.db.Close)
	if err != nil {
		s.log.Warn("failed to close log store", zap.Error(err))
		return
	}
	s.log.Debug("local loglet store shut down", zap.Duration("took", time.Since(start)))
}

// watchRegistry hands out the per-log offset watch shared between the
// writer (which advances pointers) and loglets (which read and wait).
type watchRegistry struct {
	mu      sync.Mutex
	watches map[uint64]*loglet.OffsetWatch
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{watches: make(map[uint64]*loglet.OffsetWatch)}
}

func (r *watchRegistry) watch(logID uint64) *loglet.OffsetWatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[logID]
	if !ok {
		w = loglet.NewOffsetWatch(0, 0)
		r.watches[logID] = w
	}
	return w
}

// seed installs recovered pointers for a log before its first use.
func (r *watchRegistry) seed(logID uint64, state LogState) *loglet.OffsetWatch {
	w := r.watch(logID)
	w.AdvanceRelease(state.ReleasePointer)
	w.AdvanceTrim(state.TrimPoint)
	return w
}
