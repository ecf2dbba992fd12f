package usage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Request outcomes as stored in the usages table.
const (
	OutcomeOK           = "ok"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRateLimited  = "rate_limited"
	OutcomeInsufficient = "insufficient_credits"
	OutcomeError        = "error"
)

const defaultBufferSize = 1024

// Record is one metering event handed to the recorder.
type Record struct {
	AccountID   *uint64
	APIKeyID    *uint64
	Resource    string
	Outcome     string
	Cost        int64
	LatencyMS   int64
	RequestedAt time.Time
}

// Recorder writes usage rows asynchronously. Records are buffered in a
// channel and persisted by a single background worker; when the buffer is
// full new records are dropped rather than blocking the request path.
type Recorder struct {
	db      *gorm.DB
	records chan models.Usage
	done    chan struct{}
	dropped atomic.Int64
}

func NewRecorder(db *gorm.DB, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Recorder{
		db:      db,
		records: make(chan models.Usage, bufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the persistence worker. The worker drains any buffered
// records before exiting when ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go r.run(ctx)
}

// Record enqueues one usage event. It never blocks: when the buffer is full
// the event is counted as dropped and discarded.
func (r *Recorder) Record(rec Record) {
	if r == nil || r.db == nil {
		return
	}
	requestedAt := rec.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	row := models.Usage{
		AccountID:   rec.AccountID,
		APIKeyID:    rec.APIKeyID,
		Resource:    rec.Resource,
		Outcome:     rec.Outcome,
		Cost:        rec.Cost,
		LatencyMS:   rec.LatencyMS,
		RequestedAt: requestedAt.UTC(),
	}
	select {
	case r.records <- row:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warnf("usage recorder: buffer full, %d records dropped so far", n)
		}
	}
}

// Dropped reports how many records were discarded due to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Done is closed once the worker has flushed and exited.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case row := <-r.records:
			r.persist(row)
		}
	}
}

// drain persists whatever is still buffered at shutdown.
func (r *Recorder) drain() {
	for {
		select {
		case row := <-r.records:
			r.persist(row)
		default:
			return
		}
	}
}

func (r *Recorder) persist(row models.Usage) {
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errCreate := r.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Warn("usage recorder: failed to persist usage row")
	}
}
