package source

import "context"

// Row is one raw invoice line-item row from an uploaded file. Fields are
// kept as strings; the chunk processor owns validation and parsing.
type Row struct {
	Number      int // zero-based data row number, header excluded
	InvoiceID   string
	InvoiceDate string
	Customer    string
	ItemName    string
	Quantity    string
	UnitPrice   string
	Total       string
}

// RowSource streams rows of an uploaded tabular file by absolute row range.
type RowSource interface {
	// CountRows returns the number of data rows in the referenced file.
	CountRows(ctx context.Context, ref string) (int, error)

	// ReadRange streams every data row with number in [start, end] to fn in
	// file order. fn returning an error stops the stream and is propagated.
	ReadRange(ctx context.Context, ref string, start, end int, fn func(Row) error) error
}
