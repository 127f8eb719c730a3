package local

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
)

// errWriterStopped fences enqueues once draining started.
var errWriterStopped = errors.New("log store writer is not accepting commands")

type writerState int32

const (
	writerRunning writerState = iota
	writerDraining
	writerStopped
)

// writerCommand is one unit of work handed to the writer task. The ack
// channel (capacity 1) receives the outcome of the batch the command was
// committed in; nothing is sent before the batch is durable.
type writerCommand interface {
	ackCh() chan error
	enqueuedAt() time.Time
}

type appendCommand struct {
	logID    uint64
	first    loglet.Offset
	payloads [][]byte
	ack      chan error
	created  time.Time
}

type trimCommand struct {
	logID     uint64
	trimPoint loglet.Offset
	ack       chan error
	created   time.Time
}

func (c appendCommand) ackCh() chan error     { return c.ack }
func (c appendCommand) enqueuedAt() time.Time { return c.created }
func (c trimCommand) ackCh() chan error       { return c.ack }
func (c trimCommand) enqueuedAt() time.Time   { return c.created }

// Writer is the store's single background writer. It owns every write to
// the data bucket, coalesces queued commands into one transaction per
// batch, and acks each command only after its batch committed durably.
type Writer struct {
	db         *bolt.DB
	watches    *watchRegistry
	log        *zap.Logger
	clk        clock.Clock
	threshold  int
	tick       time.Duration
	manualSync bool

	ch      chan writerCommand
	stopped chan struct{}

	mu       sync.Mutex
	state    writerState
	inflight sync.WaitGroup
}

func newWriter(db *bolt.DB, cfg Config, watches *watchRegistry, log *zap.Logger) *Writer {
	return &Writer{
		db:         db,
		watches:    watches,
		log:        log,
		clk:        cfg.Clock,
		threshold:  cfg.BatchSizeThreshold,
		tick:       cfg.FlushInterval,
		manualSync: cfg.ManualSync,
		ch:         make(chan writerCommand, cfg.BatchSizeThreshold*2),
		stopped:    make(chan struct{}),
	}
}

// Start launches the writer task.
func (w *Writer) Start() {
	go w.run()
}

// EnqueueAppend hands the writer a contiguous run of records starting at
// first. The returned channel delivers exactly one error value once the
// run is durable (nil) or failed.
func (w *Writer) EnqueueAppend(ctx context.Context, logID uint64, first loglet.Offset, payloads [][]byte) (<-chan error, error) {
	cmd := appendCommand{
		logID:    logID,
		first:    first,
		payloads: payloads,
		ack:      make(chan error, 1),
		created:  time.Now(),
	}
	if err := w.enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.ack, nil
}

// EnqueueTrim hands the writer a trim-point advancement. The caller has
// already clamped trimPoint to the release pointer.
func (w *Writer) EnqueueTrim(ctx context.Context, logID uint64, trimPoint loglet.Offset) (<-chan error, error) {
	cmd := trimCommand{
		logID:     logID,
		trimPoint: trimPoint,
		ack:       make(chan error, 1),
		created:   time.Now(),
	}
	if err := w.enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.ack, nil
}

func (w *Writer) enqueue(ctx context.Context, cmd writerCommand) error {
	// The in-flight count is raised under the lock so Stop observes
	// either the running state change or the pending sender, never
	// neither.
	w.mu.Lock()
	if w.state != writerRunning {
		w.mu.Unlock()
		return errWriterStopped
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	select {
	case w.ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the writer: no new commands are accepted, queued commands
// are committed, then the task exits. Safe to call more than once.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state == writerRunning {
		w.state = writerDraining
		w.mu.Unlock()
		// All senders past the state check have finished once Wait
		// returns, so closing the channel cannot race a send.
		w.inflight.Wait()
		close(w.ch)
	} else {
		w.mu.Unlock()
	}

	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	ticker := w.clk.Ticker(w.tick)
	defer ticker.Stop()

	var pending []writerCommand
	for {
		select {
		case cmd, ok := <-w.ch:
			if !ok {
				if len(pending) > 0 {
					w.commit(pending)
				}
				w.mu.Lock()
				w.state = writerStopped
				w.mu.Unlock()
				close(w.stopped)
				return
			}
			pending = w.drainQueued(append(pending, cmd))
			w.commit(pending)
			pending = nil
		case <-ticker.C:
			// Max-latency backstop.
			if len(pending) > 0 {
				w.commit(pending)
				pending = nil
			}
		}
	}
}

// drainQueued folds queued commands into pending until the channel is
// empty or the batch threshold is reached.
func (w *Writer) drainQueued(pending []writerCommand) []writerCommand {
	for len(pending) < w.threshold {
		select {
		case cmd, ok := <-w.ch:
			if !ok {
				// Closed mid-drain; the main loop sees the close on its
				// next receive and finishes up.
				return pending
			}
			pending = append(pending, cmd)
		default:
			return pending
		}
	}
	return pending
}

// commit writes one batch atomically: data puts, trim deletions, and the
// folded LogState advancement per touched log. Acks fire after the
// transaction (and, in manual-sync mode, the explicit sync) succeeded.
func (w *Writer) commit(batch []writerCommand) {
	task := storageTask{db: dbName, kind: taskWriteBatch, createdAt: batch[0].enqueuedAt()}

	updates := make(map[uint64]logStateUpdate)
	err := task.run(func() error {
		err := w.db.Update(func(tx *bolt.Tx) error {
			data := tx.Bucket([]byte(dataBucket))
			meta := tx.Bucket([]byte(metadataBucket))

			for _, cmd := range batch {
				switch c := cmd.(type) {
				case appendCommand:
					for n, payload := range c.payloads {
						key := dataKey(c.logID, c.first+loglet.Offset(n))
						if err := data.Put(key, payload); err != nil {
							return errors.Wrap(err, "put record")
						}
					}
					last := c.first + loglet.Offset(len(c.payloads)) - 1
					updates[c.logID] = updates[c.logID].fold(logStateUpdate{releasePointer: last})
				case trimCommand:
					if err := deleteRange(data, c.logID, c.trimPoint); err != nil {
						return errors.Wrap(err, "delete trimmed range")
					}
					updates[c.logID] = updates[c.logID].fold(logStateUpdate{trimPoint: c.trimPoint})
				}
			}

			for logID, update := range updates {
				var state LogState
				if value := meta.Get(metadataKey(logID, metadataKindLogState)); value != nil {
					decoded, err := decodeLogState(value)
					if err != nil {
						return err
					}
					state = decoded
				}
				state = state.apply(update)
				if err := meta.Put(metadataKey(logID, metadataKindLogState), state.encode()); err != nil {
					return errors.Wrap(err, "put log state")
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if w.manualSync {
			return newStorageTask(dbName, taskFlushWal).run(w.db.Sync)
		}
		return nil
	})

	if err != nil {
		w.log.Warn("log store write batch failed", zap.Error(err))
		for _, cmd := range batch {
			cmd.ackCh() <- err
		}
		return
	}
	// Wake readers only after durability, and before acking, so a caller
	// holding its ack already reads what it wrote.
	for logID, update := range updates {
		watch := w.watches.watch(logID)
		if update.releasePointer > 0 {
			watch.AdvanceRelease(update.releasePointer)
		}
		if update.trimPoint > 0 {
			watch.AdvanceTrim(update.trimPoint)
		}
	}
	for _, cmd := range batch {
		cmd.ackCh() <- nil
	}
}

// deleteRange removes every record of the log at or below trimPoint.
func deleteRange(data *bolt.Bucket, logID uint64, trimPoint loglet.Offset) error {
	var keys [][]byte
	prefix := dataKeyPrefix(logID)
	end := dataKey(logID, trimPoint)

	c := data.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.Compare(k, end) <= 0; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := data.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
