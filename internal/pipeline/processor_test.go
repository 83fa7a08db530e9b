package pipeline

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mangalm/invoice-ingest/internal/breaker"
	"github.com/mangalm/invoice-ingest/internal/config"
	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/mangalm/invoice-ingest/internal/pool"
	"github.com/mangalm/invoice-ingest/internal/repository"
	"github.com/mangalm/invoice-ingest/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newProcessorDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "proc.db"),
		MaxIdleConns: 2,
		MaxOpenConns: 4,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	return db
}

func validRow() source.Row {
	return source.Row{
		Number:      7,
		InvoiceID:   "INV-000042",
		InvoiceDate: "2024-03-15",
		Customer:    "Bharat Mart",
		ItemName:    "Atta 5kg",
		Quantity:    "3",
		UnitPrice:   "$1,250.50",
		Total:       "$3,751.50",
	}
}

func TestBuildItemValid(t *testing.T) {
	item, reason := buildItem(validRow(), "job-1")
	require.Empty(t, reason)

	assert.Equal(t, "INV-000042", item.InvoiceID)
	assert.Equal(t, "Atta 5kg", item.ItemName)
	assert.Equal(t, "Bharat Mart", item.StoreName)
	assert.Equal(t, 3.0, item.Quantity)
	assert.Equal(t, 1250.50, item.UnitPrice)
	assert.Equal(t, 3751.50, item.TotalPrice)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), item.InvoiceDate)
	assert.Equal(t, "job-1", item.JobID)
	assert.NotEmpty(t, item.ContentHash)
	assert.NotZero(t, item.StoreID)
	assert.NotZero(t, item.ProductID)
}

func TestBuildItemMissingRequiredFields(t *testing.T) {
	row := validRow()
	row.InvoiceID = ""
	row.ItemName = ""

	item, reason := buildItem(row, "job-1")
	assert.Nil(t, item)
	assert.Contains(t, reason, "invoice id")
	assert.Contains(t, reason, "item name")
}

func TestBuildItemRejectsMalformedNumbers(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*source.Row)
		want   string
	}{
		{"quantity", func(r *source.Row) { r.Quantity = "three" }, "invalid quantity"},
		{"price", func(r *source.Row) { r.UnitPrice = "$abc" }, "invalid item price"},
		{"total", func(r *source.Row) { r.Total = "12..5" }, "invalid total"},
		{"date", func(r *source.Row) { r.InvoiceDate = "15th March" }, "invalid invoice date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := validRow()
			tc.mutate(&row)
			item, reason := buildItem(row, "job-1")
			assert.Nil(t, item)
			assert.Contains(t, reason, tc.want)
		})
	}
}

func TestBuildItemDefaultsForOptionalColumns(t *testing.T) {
	row := validRow()
	row.Quantity = ""
	row.UnitPrice = ""
	row.Total = ""
	row.InvoiceDate = ""

	item, reason := buildItem(row, "job-1")
	require.Empty(t, reason)
	assert.Equal(t, 1.0, item.Quantity)
	assert.Equal(t, 0.0, item.UnitPrice)
	assert.Equal(t, 0.0, item.TotalPrice)
	assert.True(t, item.InvoiceDate.IsZero())
}

func TestBuildItemHashIsContentSensitive(t *testing.T) {
	a, reason := buildItem(validRow(), "job-1")
	require.Empty(t, reason)
	b, reason := buildItem(validRow(), "job-2")
	require.Empty(t, reason)

	// Identical content hashes identically regardless of the owning job.
	assert.Equal(t, a.ContentHash, b.ContentHash)

	row := validRow()
	row.Quantity = "4"
	c, reason := buildItem(row, "job-1")
	require.Empty(t, reason)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestParseMoney(t *testing.T) {
	for input, want := range map[string]float64{
		"$1,234.56": 1234.56,
		"1234.56":   1234.56,
		"$0.99":     0.99,
		"":          0,
		" $5 ":      5,
	} {
		got, err := parseMoney(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := parseMoney("N/A")
	assert.Error(t, err)
}

func TestParseDateLayouts(t *testing.T) {
	for _, input := range []string{"2024-03-15", "03/15/2024", "2024-03-15 10:30:00"} {
		got, err := parseDate(input)
		require.NoError(t, err, input)
		assert.Equal(t, 2024, got.Year())
		assert.Equal(t, time.March, got.Month())
		assert.Equal(t, 15, got.Day())
	}
}

func TestChunkProcessorShortCircuitsWhenBreakerOpen(t *testing.T) {
	db := newProcessorDB(t)
	breakers := breaker.NewRegistry(breaker.Options{
		VolumeThreshold: 2,
		ErrorThreshold:  0.5,
		SleepWindow:     time.Minute,
	})
	brk := breakers.Get(BreakerDatabase)
	for i := 0; i < 3; i++ {
		_ = brk.Execute(context.Background(), func(context.Context) error {
			return assert.AnError
		}, nil)
	}
	require.Equal(t, breaker.StateOpen, brk.GetState())

	src := &memSource{rows: makeRows(3)}
	proc := NewChunkProcessor(src, breakers, 100, quietLogger())

	res := proc.ProcessChunk(context.Background(), db, pool.Task{
		JobID:           "job-1",
		ChunkID:         "chunk-1",
		StartRow:        0,
		EndRow:          2,
		SourceRef:       "mem://rows",
		SkipOnDuplicate: true,
	})

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, breaker.ErrOpen)
	// The very first dedup lookup is short-circuited, so the scan stops at
	// row one instead of hammering the store for the whole range.
	assert.Equal(t, 1, res.RowsProcessed)

	count, err := repository.NewInvoiceRepository(db).CountByJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpsertOnDuplicateSplitsRepeatedBusinessKeys(t *testing.T) {
	db := newProcessorDB(t)

	// Guard against two rows with the same business key sharing one
	// multi-row upsert statement; postgres rejects such statements outright.
	var violations int32
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("upsert_key_guard", func(tx *gorm.DB) {
		items, ok := tx.Statement.Dest.(*[]domain.InvoiceItem)
		if !ok {
			return
		}
		keys := make(map[string]struct{}, len(*items))
		for _, it := range *items {
			if _, dup := keys[it.BusinessKey()]; dup {
				atomic.AddInt32(&violations, 1)
			}
			keys[it.BusinessKey()] = struct{}{}
		}
	}))

	rowA := source.Row{InvoiceID: "INV-9", Customer: "Bharat Mart", ItemName: "Widget", Quantity: "2", UnitPrice: "$5.00", Total: "$10.00"}
	rowB := rowA
	rowB.Quantity = "5"
	rowB.Total = "$25.00"

	// rowB's content was ingested by an earlier job, so it arrives as a
	// seen hash while rowA is still pending in the same batch.
	first, err := repository.NewDedupRepository(db).Record(context.Background(), hashOf(t, rowB), "INV-9|Widget", "earlier-job")
	require.NoError(t, err)
	require.True(t, first)

	src := &memSource{rows: []source.Row{rowA, rowB}}
	breakers := breaker.NewRegistry(breaker.Options{})
	proc := NewChunkProcessor(src, breakers, 100, quietLogger())

	res := proc.ProcessChunk(context.Background(), db, pool.Task{
		JobID:           "job-1",
		ChunkID:         "chunk-1",
		StartRow:        0,
		EndRow:          1,
		SourceRef:       "mem://rows",
		SkipOnDuplicate: false,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.RowsProcessed)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.DuplicateCount)
	assert.EqualValues(t, 0, atomic.LoadInt32(&violations))

	// The duplicate upsert still landed, after the pending row was flushed.
	item, err := repository.NewInvoiceRepository(db).GetByBusinessKey(context.Background(), "INV-9", "Widget")
	require.NoError(t, err)
	assert.Equal(t, 5.0, item.Quantity)
}
