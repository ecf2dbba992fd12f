package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/db"
	"github.com/darwin7381/oao-to-sub001/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openUsageTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:usage_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func countUsages(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var count int64
	if errCount := conn.Model(&models.Usage{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count usages: %v", errCount)
	}
	return count
}

func waitForUsages(t *testing.T, conn *gorm.DB, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if countUsages(t, conn) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("usages: got %d want %d", countUsages(t, conn), want)
}

func TestRecorderPersistsAsynchronously(t *testing.T) {
	conn := openUsageTestDB(t)
	recorder := NewRecorder(conn, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recorder.Start(ctx)

	accountID := uint64(7)
	recorder.Record(Record{
		AccountID: &accountID,
		Resource:  "links/abc",
		Outcome:   OutcomeOK,
		Cost:      3,
		LatencyMS: 42,
	})
	waitForUsages(t, conn, 1)

	var row models.Usage
	if errFind := conn.First(&row).Error; errFind != nil {
		t.Fatalf("load usage: %v", errFind)
	}
	if row.Resource != "links/abc" || row.Outcome != OutcomeOK || row.Cost != 3 {
		t.Fatalf("row: %+v", row)
	}
	if row.AccountID == nil || *row.AccountID != accountID {
		t.Fatalf("account id: %+v", row.AccountID)
	}
	if row.RequestedAt.IsZero() {
		t.Fatal("requested_at must default to now")
	}
}

func TestRecorderDropsOnFullBuffer(t *testing.T) {
	conn := openUsageTestDB(t)
	// Worker never started: the buffer fills and stays full.
	recorder := NewRecorder(conn, 2)

	for i := 0; i < 5; i++ {
		recorder.Record(Record{Resource: "links/x", Outcome: OutcomeOK})
	}
	if got := recorder.Dropped(); got != 3 {
		t.Fatalf("dropped: got %d want 3", got)
	}
}

func TestRecorderFlushesOnShutdown(t *testing.T) {
	conn := openUsageTestDB(t)
	recorder := NewRecorder(conn, 16)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 4; i++ {
		recorder.Record(Record{Resource: "links/x", Outcome: OutcomeOK})
	}
	recorder.Start(ctx)
	cancel()

	select {
	case <-recorder.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
	}
	if got := countUsages(t, conn); got != 4 {
		t.Fatalf("usages after flush: got %d want 4", got)
	}
}

func TestRetentionCleanerDeletesOldRows(t *testing.T) {
	conn := openUsageTestDB(t)
	now := time.Now().UTC()
	rows := []models.Usage{
		{Resource: "old", Outcome: OutcomeOK, RequestedAt: now.AddDate(0, 0, -40)},
		{Resource: "old", Outcome: OutcomeOK, RequestedAt: now.AddDate(0, 0, -31)},
		{Resource: "fresh", Outcome: OutcomeOK, RequestedAt: now.AddDate(0, 0, -5)},
	}
	for i := range rows {
		if errCreate := conn.Create(&rows[i]).Error; errCreate != nil {
			t.Fatalf("seed usage: %v", errCreate)
		}
	}

	cleaner := NewRetentionCleaner(conn, 30)
	cleaner.cleanupOnce(context.Background())

	if got := countUsages(t, conn); got != 1 {
		t.Fatalf("usages after cleanup: got %d want 1", got)
	}
	var remaining models.Usage
	if errFind := conn.First(&remaining).Error; errFind != nil {
		t.Fatalf("load remaining: %v", errFind)
	}
	if remaining.Resource != "fresh" {
		t.Fatalf("wrong row survived: %+v", remaining)
	}
}

func TestRetentionCleanerDisabledWithZeroDays(t *testing.T) {
	conn := openUsageTestDB(t)
	row := models.Usage{Resource: "old", Outcome: OutcomeOK, RequestedAt: time.Now().UTC().AddDate(-1, 0, 0)}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed usage: %v", errCreate)
	}

	cleaner := NewRetentionCleaner(conn, 0)
	cleaner.cleanupOnce(context.Background())

	if got := countUsages(t, conn); got != 1 {
		t.Fatalf("zero retention must not delete, got %d rows", got)
	}
}
