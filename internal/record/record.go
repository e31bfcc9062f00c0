// Package record defines the purchase-order receipt captured by StoreDesk and
// the rules a receipt must satisfy before it can be routed to the remote store
// or the offline queue.
package record

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the delivery state of a receipt.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusPending   Status = "pending"
	StatusFlagged   Status = "flagged"
)

// DateLayout is the layout of ArrivalDate and of range query bounds.
const DateLayout = "2006-01-02"

// TimeLayout is the layout of DeliveryTime.
const TimeLayout = "15:04"

// Record is one purchase-order receipt.
//
// A record without ServerID is local-only: it exists solely in the offline
// queue. Once the gateway accepts it the record is persisted and carries the
// server-assigned identifier.
type Record struct {
	// Purchase order section
	OrderNumber      string          `json:"orderNumber" validate:"required"`
	MaintenanceOrder string          `json:"maintenanceOrder,omitempty"`
	CostCenter       string          `json:"costCenter" validate:"required"`
	Supplier         string          `json:"supplier,omitempty"`
	Description      string          `json:"description" validate:"required"`
	Quantity         decimal.Decimal `json:"quantity" validate:"-"`
	Waybill          string          `json:"waybill,omitempty"`
	ArrivalDate      string          `json:"arrivalDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Notes            string          `json:"notes,omitempty"`

	// Receiver section
	ReceiverName  string `json:"receiverName" validate:"required"`
	ReceiverID    string `json:"receiverId" validate:"required"`
	Area          string `json:"area" validate:"required"`
	ReceiverRole  string `json:"receiverRole,omitempty"`
	ReceiverPhone string `json:"receiverPhone,omitempty"`
	ReceiverEmail string `json:"receiverEmail,omitempty" validate:"omitempty,email"`

	// Delivery section
	Status       Status `json:"status" validate:"required,oneof=delivered pending flagged"`
	DeliveryTime string `json:"deliveryTime,omitempty" validate:"omitempty,datetime=15:04"`
	Custodian    string `json:"custodian" validate:"required"`
	Signature    string `json:"signature,omitempty" validate:"omitempty,datauri"`

	RecordedAt     time.Time `json:"recordedAt"`
	IdempotencyKey string    `json:"idempotencyKey"`

	// Assigned by the remote store.
	ServerID  string    `json:"serverId,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// IsPersisted reports whether the remote store has assigned an identifier.
func (r *Record) IsPersisted() bool {
	return r.ServerID != ""
}

// IsLocalOnly reports whether the record exists only on this device.
func (r *Record) IsLocalOnly() bool {
	return r.ServerID == ""
}

// Prepare fills the defaults a receipt gets at submission time. An existing
// idempotency key is kept so that resubmitting the same record never creates
// a second remote copy.
func Prepare(r *Record, now time.Time) {
	if r.Quantity.IsZero() {
		r.Quantity = decimal.NewFromInt(1)
	}
	if r.Status == "" {
		r.Status = StatusDelivered
	}
	if r.ArrivalDate == "" {
		r.ArrivalDate = now.Format(DateLayout)
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = now.UTC()
	}
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = uuid.New().String()
	}
	r.OrderNumber = strings.TrimSpace(r.OrderNumber)
	r.CostCenter = strings.TrimSpace(r.CostCenter)
	r.ReceiverName = strings.TrimSpace(r.ReceiverName)
	r.ReceiverID = strings.TrimSpace(r.ReceiverID)
	r.Custodian = strings.TrimSpace(r.Custodian)
}

// SignatureBytes decodes the signature data URL into the raw image payload.
func (r *Record) SignatureBytes() ([]byte, error) {
	if r.Signature == "" {
		return nil, nil
	}
	idx := strings.Index(r.Signature, ",")
	if !strings.HasPrefix(r.Signature, "data:") || idx < 0 {
		return nil, fmt.Errorf("signature is not a data URL")
	}
	meta := r.Signature[len("data:"):idx]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("signature data URL is not base64 encoded")
	}
	raw, err := base64.StdEncoding.DecodeString(r.Signature[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return raw, nil
}

// Keys returns the idempotency keys of records in order.
func Keys(records []Record) []string {
	keys := make([]string, len(records))
	for i := range records {
		keys[i] = records[i].IdempotencyKey
	}
	return keys
}
