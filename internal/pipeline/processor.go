package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mangalm/invoice-ingest/internal/breaker"
	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/pool"
	"github.com/mangalm/invoice-ingest/internal/repository"
	"github.com/mangalm/invoice-ingest/internal/source"
	"gorm.io/gorm"
)

// BreakerDatabase is the registry name of the breaker guarding the backing
// store used by chunk processing.
const BreakerDatabase = "database"

// dateLayouts accepted for the invoice date column.
var dateLayouts = []string{"2006-01-02", "01/02/2006", "2006-01-02 15:04:05"}

// ChunkProcessor executes exactly one chunk inside a worker unit. All writes
// of a chunk run in one chunk-wide transaction: a flush failure rolls back
// the entire chunk, which keeps retries idempotent.
type ChunkProcessor struct {
	src       source.RowSource
	breakers  *breaker.Registry
	batchSize int
	log       *logger.Logger
}

// NewChunkProcessor creates a ChunkProcessor.
func NewChunkProcessor(src source.RowSource, breakers *breaker.Registry, batchSize int, log *logger.Logger) *ChunkProcessor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ChunkProcessor{
		src:       src,
		breakers:  breakers,
		batchSize: batchSize,
		log:       log,
	}
}

// batchEntry tracks whether a batched row was already counted as a
// duplicate during the scan (skip-on-duplicate disabled still upserts).
type batchEntry struct {
	item domain.InvoiceItem
	dup  bool
}

// ProcessChunk streams the assigned row range, validates and deduplicates
// every row, and batches multi-row upserts. Every store access, including
// the per-row dedup lookups, runs through the database breaker.
func (p *ChunkProcessor) ProcessChunk(ctx context.Context, db *gorm.DB, task pool.Task) pool.Result {
	start := time.Now()
	res := pool.Result{}
	brk := p.breakers.Get(BreakerDatabase)

	err := db.Transaction(func(tx *gorm.DB) error {
		invoices := repository.NewInvoiceRepository(tx)
		dedup := repository.NewDedupRepository(tx)
		errs := repository.NewErrorRepository(tx)

		var (
			batch     []batchEntry
			batchKeys = make(map[string]struct{}, p.batchSize)
			rowErrs   []domain.ProcessingError
		)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			entries := batch
			batch = nil
			batchKeys = make(map[string]struct{}, p.batchSize)

			return brk.Execute(ctx, func(cctx context.Context) error {
				items := make([]domain.InvoiceItem, len(entries))
				for i, e := range entries {
					items[i] = e.item
				}
				if err := invoices.UpsertBatch(cctx, items); err != nil {
					return err
				}
				// Hashes are recorded in the same transaction as the flush so
				// a rollback forgets them together with the rows.
				for _, e := range entries {
					first, err := dedup.Record(cctx, e.item.ContentHash, e.item.BusinessKey(), task.JobID)
					if err != nil {
						return err
					}
					if e.dup {
						continue
					}
					if first {
						res.SuccessCount++
					} else {
						// Another chunk won the race between our seen check
						// and this record: a duplicate, not a new insert.
						res.DuplicateCount++
						if err := dedup.MarkDuplicate(cctx, e.item.ContentHash); err != nil {
							return err
						}
					}
				}
				return nil
			}, nil)
		}

		readErr := p.src.ReadRange(ctx, task.SourceRef, task.StartRow, task.EndRow, func(row source.Row) error {
			res.RowsProcessed++

			item, reason := buildItem(row, task.JobID)
			if reason != "" {
				res.FailureCount++
				rowErrs = append(rowErrs, domain.ProcessingError{
					JobID:          task.JobID,
					ChunkID:        task.ChunkID,
					RowNumber:      row.Number,
					Classification: domain.ErrorClassValidation,
					Message:        reason,
					Retryable:      false,
				})
				return nil
			}

			var seen bool
			if err := brk.Execute(ctx, func(cctx context.Context) error {
				var err error
				seen, err = dedup.Seen(cctx, item.ContentHash)
				return err
			}, nil); err != nil {
				return fmt.Errorf("dedup lookup failed: %w", err)
			}
			if seen {
				res.DuplicateCount++
				if err := brk.Execute(ctx, func(cctx context.Context) error {
					return dedup.MarkDuplicate(cctx, item.ContentHash)
				}, nil); err != nil {
					return fmt.Errorf("dedup counter update failed: %w", err)
				}
				if task.SkipOnDuplicate {
					return nil
				}
				// Upsert-on-duplicate mode: the row still lands, counted as
				// a duplicate rather than a success.
			}

			// A second row with the same business key cannot share one
			// multi-row upsert statement.
			if _, clash := batchKeys[item.BusinessKey()]; clash {
				if err := flush(); err != nil {
					return err
				}
			}
			batch = append(batch, batchEntry{item: *item, dup: seen})
			batchKeys[item.BusinessKey()] = struct{}{}

			if len(batch) >= p.batchSize {
				return flush()
			}
			return nil
		})
		if readErr != nil {
			return readErr
		}

		if err := flush(); err != nil {
			return err
		}
		if len(rowErrs) == 0 {
			return nil
		}
		return brk.Execute(ctx, func(cctx context.Context) error {
			return errs.CreateBatch(cctx, rowErrs)
		}, nil)
	})

	res.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Err = err
	}
	return res
}

// buildItem validates a raw row and converts it into a line item. The
// returned reason is empty for valid rows.
func buildItem(row source.Row, jobID string) (*domain.InvoiceItem, string) {
	var missing []string
	if row.InvoiceID == "" {
		missing = append(missing, "invoice id")
	}
	if row.ItemName == "" {
		missing = append(missing, "item name")
	}
	if row.Customer == "" {
		missing = append(missing, "customer name")
	}
	if len(missing) > 0 {
		return nil, "missing required fields: " + strings.Join(missing, ", ")
	}

	quantity, err := parseQuantity(row.Quantity)
	if err != nil {
		return nil, fmt.Sprintf("invalid quantity %q", row.Quantity)
	}
	unitPrice, err := parseMoney(row.UnitPrice)
	if err != nil {
		return nil, fmt.Sprintf("invalid item price %q", row.UnitPrice)
	}
	total, err := parseMoney(row.Total)
	if err != nil {
		return nil, fmt.Sprintf("invalid total %q", row.Total)
	}
	invoiceDate, err := parseDate(row.InvoiceDate)
	if err != nil {
		return nil, fmt.Sprintf("invalid invoice date %q", row.InvoiceDate)
	}

	item := &domain.InvoiceItem{
		InvoiceID:   row.InvoiceID,
		ItemName:    row.ItemName,
		StoreName:   row.Customer,
		StoreID:     domain.DeriveStoreID(row.Customer),
		ProductID:   domain.DeriveEntityID(row.ItemName),
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		TotalPrice:  total,
		InvoiceDate: invoiceDate,
		JobID:       jobID,
	}
	item.ContentHash = item.Hash()
	return item, ""
}

// parseQuantity parses the quantity column; empty defaults to 1 the way the
// upstream exports treat it.
func parseQuantity(s string) (float64, error) {
	if s == "" {
		return 1, nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

// parseMoney parses a money column, stripping currency formatting. Empty
// defaults to 0.
func parseMoney(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseDate parses the invoice date; empty yields the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}
