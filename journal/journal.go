// Package journal writes every packet the client sends or receives to the
// event_logs table. Writes are batched on a background worker so the event
// loop never blocks on the database.
package journal

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kasuganosora/guidegame/client/model"
	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queueSize   = 1024
	recentLimit = 64
)

// Options tune the batch writer. Zero values take the defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Entry describes one packet to journal.
type Entry struct {
	Direction string
	Gen       uint64
	TraceID   string
	Packet    *protocol.Packet
	// Dropped names why an inbound packet was not dispatched, if it wasn't.
	Dropped string
}

// Journal logs packets asynchronously in batches.
type Journal struct {
	db        *gorm.DB
	ch        chan *model.EventLog
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
	batchSize int
	interval  time.Duration

	mu     sync.Mutex
	recent []uint64
}

// New creates a Journal and starts its background worker.
func New(db *gorm.DB, opts Options, logger *zap.Logger) *Journal {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	j := &Journal{
		db:        db,
		ch:        make(chan *model.EventLog, queueSize),
		stopCh:    make(chan struct{}),
		logger:    logger,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
	}
	j.wg.Add(1)
	go j.worker()
	return j
}

// Digest returns the xxhash64 of an event name and its payload.
func Digest(event string, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(event)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(payload)
	return d.Sum64()
}

// Record enqueues a packet for async DB write. Inbound packets whose digest
// matches one of the recently seen inbound packets are flagged Duplicate.
func (j *Journal) Record(e Entry) {
	if e.Packet == nil {
		return
	}
	sum := Digest(e.Packet.Type, e.Packet.Payload)
	row := &model.EventLog{
		TraceID:   e.TraceID,
		Direction: e.Direction,
		Gen:       e.Gen,
		Seq:       e.Packet.Seq,
		Event:     e.Packet.Type,
		Payload:   datatypes.JSON(append([]byte(nil), e.Packet.Payload...)),
		Digest:    strconv.FormatUint(sum, 16),
		Dropped:   e.Dropped,
	}
	if len(row.Payload) == 0 {
		row.Payload = datatypes.JSON("null")
	}
	if e.Direction == model.DirectionIn {
		row.Duplicate = j.seen(sum)
	}

	select {
	case <-j.stopCh:
		return
	default:
	}
	select {
	case j.ch <- row:
	default:
		j.logger.Warn("journal channel full, dropping entry",
			zap.String("event", row.Event))
	}
}

func (j *Journal) seen(sum uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range j.recent {
		if s == sum {
			return true
		}
	}
	j.recent = append(j.recent, sum)
	if len(j.recent) > recentLimit {
		j.recent = j.recent[1:]
	}
	return false
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished or ctx is done.
func (j *Journal) Stop(ctx context.Context) {
	j.stopOnce.Do(func() { close(j.stopCh) })
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out", zap.Error(ctx.Err()))
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	batch := make([]*model.EventLog, 0, j.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.db.Create(&batch).Error; err != nil {
			j.logger.Error("journal batch write failed", zap.Error(err), zap.Int("rows", len(batch)))
		}
		batch = make([]*model.EventLog, 0, j.batchSize)
	}

	for {
		select {
		case row := <-j.ch:
			batch = append(batch, row)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-j.stopCh:
			for {
				select {
				case row := <-j.ch:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}
