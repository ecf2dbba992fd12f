package usage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionCleaner periodically deletes old rows from the usages table.
// A retention of zero or fewer days disables cleanup entirely.
type RetentionCleaner struct {
	db            *gorm.DB
	retentionDays int
	interval      time.Duration
	batchSize     int
}

func NewRetentionCleaner(db *gorm.DB, retentionDays int) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:            db,
		retentionDays: retentionDays,
		interval:      defaultRetentionInterval,
		batchSize:     defaultDeleteBatchSize,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil || c.retentionDays <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("usage retention cleaner started (interval=%s retention_days=%d)", c.interval, c.retentionDays)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.cleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (c *RetentionCleaner) cleanupOnce(ctx context.Context) {
	if c == nil || c.db == nil || c.retentionDays <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("usage retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		log.Infof("usage retention cleaner: deleted %d rows (cutoff=%s)", deletedTotal, cutoff.Format(time.RFC3339))
	}
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}

	// Limited subquery to avoid long-running transactions and table locks.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM usages
		WHERE id IN (
			SELECT id FROM usages
			WHERE requested_at < ?
			ORDER BY requested_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
