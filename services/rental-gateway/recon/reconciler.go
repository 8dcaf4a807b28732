package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"rentalpay/crypto"
	"rentalpay/native/rental"
	"rentalpay/services/rental-gateway/models"
)

const pageSize = 500

// BookingSource pages through ledger bookings in id order.
type BookingSource interface {
	Bookings(from uint64, limit int) ([]*rental.Booking, error)
}

type Config struct {
	DB        *gorm.DB
	Source    BookingSource
	OutputDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

type RunOptions struct {
	Start time.Time
	End   time.Time
}

// Result summarises one export.
type Result struct {
	Start time.Time
	End   time.Time
	Rows  []Row
	Path  string
}

// Row is one settled booking in the report.
type Row struct {
	BookingID     uint64
	Renter        string
	Owner         string
	SettledTo     string
	Outcome       string
	SettledAmount string
	Commission    string
	Disputed      bool
	StartTime     time.Time
	EndTime       time.Time
	ResolvedAt    time.Time
}

// Reconciler exports the bookings settled within a window to parquet.
type Reconciler struct {
	db        *gorm.DB
	source    BookingSource
	outputDir string
	now       func() time.Time
	logger    *slog.Logger
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Source == nil {
		return nil, errors.New("recon: booking source is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("recon: output dir is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		db:        cfg.DB,
		source:    cfg.Source,
		outputDir: cfg.OutputDir,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Run writes every booking resolved in [Start, End) to a parquet file.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start, end := opts.Start.UTC(), opts.End.UTC()
	if !end.After(start) {
		return nil, fmt.Errorf("recon: end must be after start")
	}
	rows, err := r.collect(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create output dir: %w", err)
	}
	name := fmt.Sprintf("settlements_%s_%s.parquet", start.Format("20060102T150405"), end.Format("20060102T150405"))
	path := filepath.Join(r.outputDir, name)
	if err := writeParquet(path, rows); err != nil {
		return nil, err
	}
	r.logger.Info("recon: wrote settlement report", "path", path, "rows", len(rows))
	if r.db != nil {
		run := models.ReconRun{
			ID:          uuid.New(),
			WindowStart: start,
			WindowEnd:   end,
			Rows:        len(rows),
			Path:        path,
			CreatedAt:   r.now().UTC(),
		}
		if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
			return nil, fmt.Errorf("recon: record run: %w", err)
		}
	}
	return &Result{Start: start, End: end, Rows: rows, Path: path}, nil
}

func (r *Reconciler) collect(ctx context.Context, start, end time.Time) ([]Row, error) {
	var rows []Row
	from := uint64(1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := r.source.Bookings(from, pageSize)
		if err != nil {
			return nil, fmt.Errorf("recon: list bookings: %w", err)
		}
		for _, b := range page {
			if !b.IsResolved {
				continue
			}
			resolved := time.Unix(b.ResolvedAt, 0).UTC()
			if resolved.Before(start) || !resolved.Before(end) {
				continue
			}
			rows = append(rows, rowFor(b, resolved))
		}
		if len(page) < pageSize {
			return rows, nil
		}
		from = page[len(page)-1].ID + 1
	}
}

func rowFor(b *rental.Booking, resolved time.Time) Row {
	outcome := "released"
	if b.IsDisputeRaised {
		outcome = "owner"
		if b.SettledTo == b.Renter {
			outcome = "renter"
		}
	}
	return Row{
		BookingID:     b.ID,
		Renter:        hexAddr(b.Renter),
		Owner:         hexAddr(b.Owner),
		SettledTo:     hexAddr(b.SettledTo),
		Outcome:       outcome,
		SettledAmount: bigString(b.SettledAmount),
		Commission:    bigString(b.Commission),
		Disputed:      b.IsDisputeRaised,
		StartTime:     time.Unix(b.StartTime, 0).UTC(),
		EndTime:       time.Unix(b.EndTime, 0).UTC(),
		ResolvedAt:    resolved,
	}
}

type parquetRow struct {
	BookingID     int64  `parquet:"name=booking_id, type=INT64"`
	Renter        string `parquet:"name=renter, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner         string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledTo     string `parquet:"name=settled_to, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome       string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAmount string `parquet:"name=settled_amount_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Commission    string `parquet:"name=commission_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Disputed      bool   `parquet:"name=disputed, type=BOOLEAN"`
	StartTime     string `parquet:"name=start_time, type=BYTE_ARRAY, convertedtype=UTF8"`
	EndTime       string `parquet:"name=end_time, type=BYTE_ARRAY, convertedtype=UTF8"`
	ResolvedAt    string `parquet:"name=resolved_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			BookingID:     int64(row.BookingID),
			Renter:        row.Renter,
			Owner:         row.Owner,
			SettledTo:     row.SettledTo,
			Outcome:       row.Outcome,
			SettledAmount: row.SettledAmount,
			Commission:    row.Commission,
			Disputed:      row.Disputed,
			StartTime:     row.StartTime.Format(time.RFC3339),
			EndTime:       row.EndTime.Format(time.RFC3339),
			ResolvedAt:    row.ResolvedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

// hexAddr matches the checksummed form served by the gateway API.
func hexAddr(addr [20]byte) string {
	return crypto.Address(addr).Hex()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
