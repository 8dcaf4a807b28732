package recon

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"rentalpay/core/state"
	"rentalpay/crypto"
	"rentalpay/native/rental"
	"rentalpay/services/rental-gateway/models"
	"rentalpay/storage"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func TestReconcilerExportsSettledBookings(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	engine, err := rental.NewEngine(state.NewManager(storage.NewMemDB()), rental.DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetNowFunc(func() int64 { return now.Unix() })
	admin, renter, owner := addr(1), addr(0xCD), addr(0xAB)
	if err := engine.Init(admin); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := engine.Credit(admin, renter, big.NewInt(10_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	open := func() uint64 {
		id, err := engine.OpenBooking(renter, owner, 3600, big.NewInt(1000))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return id
	}
	released := open()
	disputed := open()
	active := open()
	outside := open()
	if err := engine.ReleasePayment(owner, released); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := engine.RaiseDispute(renter, disputed); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := engine.ResolveDispute(admin, disputed, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	now = now.Add(48 * time.Hour)
	if err := engine.ReleasePayment(owner, outside); err != nil {
		t.Fatalf("release: %v", err)
	}

	db := setupTestDB(t)
	rec, err := NewReconciler(Config{DB: db, Source: engine, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	windowStart := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	result, err := rec.Run(context.Background(), RunOptions{Start: windowStart, End: windowStart.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected two settled rows, got %d", len(result.Rows))
	}
	if result.Rows[0].BookingID != released || result.Rows[0].Outcome != "released" || result.Rows[0].SettledAmount != "950" {
		t.Fatalf("unexpected release row %+v", result.Rows[0])
	}
	if result.Rows[1].BookingID != disputed || result.Rows[1].Outcome != "renter" || !result.Rows[1].Disputed {
		t.Fatalf("unexpected dispute row %+v", result.Rows[1])
	}
	if result.Rows[0].Owner != crypto.Address(owner).Hex() || result.Rows[1].SettledTo != crypto.Address(renter).Hex() {
		t.Fatalf("addresses must use the API encoding: %+v", result.Rows)
	}
	for _, row := range result.Rows {
		if row.BookingID == active || row.BookingID == outside {
			t.Fatalf("booking %d must not be exported", row.BookingID)
		}
	}

	fr, err := local.NewLocalFileReader(result.Path)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("expected 2 parquet rows, got %d", n)
	}
	decoded := make([]parquetRow, 2)
	if err := pr.Read(&decoded); err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if decoded[1].Outcome != "renter" || decoded[1].Commission != "50" {
		t.Fatalf("unexpected parquet row %+v", decoded[1])
	}

	var runs []models.ReconRun
	if err := db.Find(&runs).Error; err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Rows != 2 || runs[0].Path != result.Path {
		t.Fatalf("unexpected recorded runs %+v", runs)
	}
}

func TestReconcilerRejectsEmptyWindow(t *testing.T) {
	rec, err := NewReconciler(Config{Source: staticSource{}, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	now := time.Now()
	if _, err := rec.Run(context.Background(), RunOptions{Start: now, End: now}); err == nil {
		t.Fatalf("expected empty window to fail")
	}
}

type staticSource struct{}

func (staticSource) Bookings(uint64, int) ([]*rental.Booking, error) { return nil, nil }

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	before := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	if got := s.nextRun(before); !got.Equal(time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next run %s", got)
	}
	after := time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC)
	if got := s.nextRun(after); !got.Equal(time.Date(2024, 3, 11, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next run %s", got)
	}
	if clamp(99, 0, 23) != 23 || clamp(-1, 0, 59) != 0 {
		t.Fatalf("clamp out of range")
	}
}
