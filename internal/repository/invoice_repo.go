package repository

import (
	"context"

	"github.com/mangalm/invoice-ingest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InvoiceRepository handles persisted invoice line items.
type InvoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new InvoiceRepository.
func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// UpsertBatch writes a batch of line items in a single multi-row upsert
// keyed on the natural business key (invoice_id, item_name). Conflicting
// rows are updated in place.
func (r *InvoiceRepository) UpsertBatch(ctx context.Context, items []domain.InvoiceItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "invoice_id"}, {Name: "item_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"store_name", "store_id", "product_id", "quantity",
			"unit_price", "total_price", "invoice_date", "content_hash",
			"job_id", "updated_at",
		}),
	}).Create(&items).Error
}

// GetByBusinessKey retrieves a line item by its natural key.
func (r *InvoiceRepository) GetByBusinessKey(ctx context.Context, invoiceID, itemName string) (*domain.InvoiceItem, error) {
	var item domain.InvoiceItem
	if err := r.db.WithContext(ctx).
		First(&item, "invoice_id = ? AND item_name = ?", invoiceID, itemName).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// CountByJob counts line items attributed to a job.
func (r *InvoiceRepository) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.InvoiceItem{}).
		Where("job_id = ?", jobID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
