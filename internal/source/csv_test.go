package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Invoice ID,Invoice Date,Customer Name,Item Name,Quantity,Item Price,Total
INV-001,2024-01-05,Bharat Mart,Atta 5kg,2,"$450.00","$900.00"
INV-001,2024-01-05,Bharat Mart,Basmati Rice 1kg,1,$120.00,$120.00
INV-002,2024-01-06,Super Bazaar,Atta 5kg,5,$450.00,"$2,250.00"
INV-003,,Super Bazaar,Ghee 500g,,,
INV-004,2024-01-07,Kirana Corner,Sugar 1kg,3,$55.00,$165.00
`

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "invoices.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCountRows(t *testing.T) {
	src := NewCSVSource(nil)
	n, err := src.CountRows(context.Background(), writeCSV(t, sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestCountRowsEmptyFile(t *testing.T) {
	src := NewCSVSource(nil)

	n, err := src.CountRows(context.Background(), writeCSV(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Header only, no data rows.
	n, err = src.CountRows(context.Background(), writeCSV(t, "Invoice ID,Customer Name,Item Name\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadRangeRespectsBounds(t *testing.T) {
	src := NewCSVSource(nil)
	path := writeCSV(t, sampleCSV)

	var rows []Row
	err := src.ReadRange(context.Background(), path, 1, 3, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 1, rows[0].Number)
	assert.Equal(t, "Basmati Rice 1kg", rows[0].ItemName)
	assert.Equal(t, 3, rows[2].Number)
	assert.Equal(t, "Ghee 500g", rows[2].ItemName)
}

func TestReadRangeParsesQuotedCurrency(t *testing.T) {
	src := NewCSVSource(nil)
	path := writeCSV(t, sampleCSV)

	var rows []Row
	err := src.ReadRange(context.Background(), path, 2, 2, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "$2,250.00", rows[0].Total)
	assert.Equal(t, "Super Bazaar", rows[0].Customer)
}

func TestReadRangePastEndOfFile(t *testing.T) {
	src := NewCSVSource(nil)
	path := writeCSV(t, sampleCSV)

	count := 0
	err := src.ReadRange(context.Background(), path, 3, 100, func(r Row) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReadRangeHeaderMatchingIsCaseInsensitive(t *testing.T) {
	src := NewCSVSource(nil)
	path := writeCSV(t, "invoice id , CUSTOMER NAME,Item name\nINV-1,Store,Thing\n")

	var rows []Row
	err := src.ReadRange(context.Background(), path, 0, 0, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "INV-1", rows[0].InvoiceID)
	assert.Equal(t, "Store", rows[0].Customer)
	assert.Equal(t, "Thing", rows[0].ItemName)
	assert.Empty(t, rows[0].Quantity)
}

func TestReadRangeMissingRequiredHeader(t *testing.T) {
	src := NewCSVSource(nil)
	path := writeCSV(t, "Invoice Date,Quantity\n2024-01-01,2\n")

	err := src.ReadRange(context.Background(), path, 0, 10, func(r Row) error { return nil })
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestReadRangeStopsOnCallbackError(t *testing.T) {
	src := NewCSVSource(nil)
	path := writeCSV(t, sampleCSV)

	calls := 0
	err := src.ReadRange(context.Background(), path, 0, 4, func(r Row) error {
		calls++
		if calls == 2 {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)
}

func TestReadRangeStopsOnContextCancel(t *testing.T) {
	src := NewCSVSource(nil)
	path := writeCSV(t, sampleCSV)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := src.ReadRange(ctx, path, 0, 4, func(r Row) error {
		calls++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestObjectRefWithoutStorage(t *testing.T) {
	src := NewCSVSource(nil)

	_, err := src.CountRows(context.Background(), "obj://sources/abc.csv")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "object storage not configured")
}
