package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mangalm/invoice-ingest/internal/storage"
)

// objectRefPrefix marks a sourceRef living in object storage rather than on
// local disk.
const objectRefPrefix = "obj://"

// Expected column headers of the sales export. Matching is case-insensitive
// and ignores surrounding whitespace.
const (
	headerInvoiceID   = "invoice id"
	headerInvoiceDate = "invoice date"
	headerCustomer    = "customer name"
	headerItemName    = "item name"
	headerQuantity    = "quantity"
	headerItemPrice   = "item price"
	headerTotal       = "total"
)

// ErrMissingHeader reports a file whose header row lacks a required column.
var ErrMissingHeader = errors.New("source file is missing a required column")

// CSVSource reads invoice line items from CSV files referenced either by a
// local path or by an obj:// key in object storage.
type CSVSource struct {
	store storage.ObjectStorage
}

// NewCSVSource creates a CSVSource. store may be nil when only local paths
// are used (tests, CLI ingestion).
func NewCSVSource(store storage.ObjectStorage) *CSVSource {
	return &CSVSource{store: store}
}

// CountRows returns the number of data rows in the referenced file.
func (s *CSVSource) CountRows(ctx context.Context, ref string) (int, error) {
	rc, err := s.open(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	r := newReader(rc)
	if _, err := r.Read(); err != nil { // header
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read header: %w", err)
	}

	count := 0
	for {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return 0, fmt.Errorf("failed to count rows: %w", err)
		}
		count++
	}
}

// ReadRange streams rows [start, end] in file order. Rows before the range
// are skipped without field mapping; the stream stops after end so chunk
// workers never read past their assignment.
func (s *CSVSource) ReadRange(ctx context.Context, ref string, start, end int, fn func(Row) error) error {
	rc, err := s.open(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	r := newReader(rc)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	cols, err := mapHeader(header)
	if err != nil {
		return err
	}

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read row %d: %w", n, err)
		}
		if n < start {
			continue
		}
		if n > end {
			return nil
		}
		if err := fn(cols.row(n, record)); err != nil {
			return err
		}
	}
}

func (s *CSVSource) open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if key, ok := strings.CutPrefix(ref, objectRefPrefix); ok {
		if s.store == nil {
			return nil, fmt.Errorf("object storage not configured for ref %q", ref)
		}
		rc, err := s.store.Download(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to open source object: %w", err)
		}
		return rc, nil
	}

	f, err := os.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	return f, nil
}

func newReader(rc io.Reader) *csv.Reader {
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1 // exports are ragged; validation happens per row
	r.LazyQuotes = true
	return r
}

// columns maps header names to field positions.
type columns struct {
	invoiceID   int
	invoiceDate int
	customer    int
	itemName    int
	quantity    int
	itemPrice   int
	total       int
}

func mapHeader(header []string) (*columns, error) {
	cols := &columns{invoiceID: -1, invoiceDate: -1, customer: -1, itemName: -1, quantity: -1, itemPrice: -1, total: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case headerInvoiceID:
			cols.invoiceID = i
		case headerInvoiceDate:
			cols.invoiceDate = i
		case headerCustomer:
			cols.customer = i
		case headerItemName:
			cols.itemName = i
		case headerQuantity:
			cols.quantity = i
		case headerItemPrice:
			cols.itemPrice = i
		case headerTotal:
			cols.total = i
		}
	}
	// Date and total are optional in older exports; the identifying columns
	// are not.
	if cols.invoiceID == -1 || cols.customer == -1 || cols.itemName == -1 {
		return nil, fmt.Errorf("%w: need %q, %q and %q", ErrMissingHeader, headerInvoiceID, headerCustomer, headerItemName)
	}
	return cols, nil
}

func (c *columns) row(n int, record []string) Row {
	return Row{
		Number:      n,
		InvoiceID:   c.field(record, c.invoiceID),
		InvoiceDate: c.field(record, c.invoiceDate),
		Customer:    c.field(record, c.customer),
		ItemName:    c.field(record, c.itemName),
		Quantity:    c.field(record, c.quantity),
		UnitPrice:   c.field(record, c.itemPrice),
		Total:       c.field(record, c.total),
	}
}

func (c *columns) field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
