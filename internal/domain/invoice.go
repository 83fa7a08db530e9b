package domain

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// storeIDOffset keeps derived store IDs out of the range used for product
// IDs so the two keyspaces never collide.
const storeIDOffset = 4261931000000000000

// InvoiceItem is one persisted invoice line item. The natural business key
// is (invoice_id, item_name); bulk upserts conflict on that pair and update
// the row in place.
type InvoiceItem struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InvoiceID   string    `gorm:"type:text;not null;uniqueIndex:idx_invoice_items_key,priority:1" json:"invoice_id"`
	ItemName    string    `gorm:"type:text;not null;uniqueIndex:idx_invoice_items_key,priority:2" json:"item_name"`
	StoreName   string    `gorm:"type:text;index:idx_invoice_items_store" json:"store_name"`
	StoreID     int64     `json:"store_id"`
	ProductID   int64     `json:"product_id"`
	Quantity    float64   `gorm:"default:1" json:"quantity"`
	UnitPrice   float64   `gorm:"default:0" json:"unit_price"`
	TotalPrice  float64   `gorm:"default:0" json:"total_price"`
	InvoiceDate time.Time `json:"invoice_date"`
	ContentHash string    `gorm:"type:text;index:idx_invoice_items_hash" json:"content_hash"`
	JobID       string    `gorm:"type:text;index:idx_invoice_items_job" json:"job_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for InvoiceItem.
func (InvoiceItem) TableName() string {
	return "invoice_items"
}

// BusinessKey returns the natural key used for upsert conflicts.
func (i *InvoiceItem) BusinessKey() string {
	return i.InvoiceID + "|" + i.ItemName
}

// Hash computes the deduplication content hash over the business-identifying
// fields of the line item. The hash is deterministic: the same row content
// always produces the same hash regardless of which job carries it.
func (i *InvoiceItem) Hash() string {
	payload := fmt.Sprintf("%s|%s|%s|%g|%g|%g",
		i.InvoiceID, i.StoreName, i.ItemName, i.Quantity, i.UnitPrice, i.TotalPrice)
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// DeriveEntityID maps a name to a stable positive 18-digit identifier using
// the first 8 bytes of its MD5 digest. Matches the ID scheme of the
// upstream sales database so re-ingested rows land on the same entities.
func DeriveEntityID(name string) int64 {
	sum := md5.Sum([]byte(strings.TrimSpace(name)))
	n := binary.BigEndian.Uint64(sum[:8])
	return int64(n % 1e18)
}

// DeriveStoreID maps a customer/store name to its stable store identifier.
func DeriveStoreID(name string) int64 {
	return DeriveEntityID(name) + storeIDOffset
}
