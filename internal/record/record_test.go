package record

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() Record {
	return Record{
		OrderNumber:  "OC-1001",
		CostCenter:   "CC-7",
		Description:  "Hydraulic pump seal kit",
		ReceiverName: "Dana Ruiz",
		ReceiverID:   "10203040",
		Area:         "maintenance",
		Custodian:    "Warehouse A",
		Signature:    "data:image/png;base64,iVBORw0KGgo=",
	}
}

func TestPrepare_FillsDefaults(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	r := validRecord()

	Prepare(&r, now)

	assert.True(t, r.Quantity.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, StatusDelivered, r.Status)
	assert.Equal(t, "2026-03-14", r.ArrivalDate)
	assert.Equal(t, now, r.RecordedAt)
	assert.NotEmpty(t, r.IdempotencyKey)
	assert.True(t, r.IsLocalOnly())
}

func TestPrepare_KeepsIdempotencyKey(t *testing.T) {
	r := validRecord()
	r.IdempotencyKey = "fixed-key"

	Prepare(&r, time.Now())
	Prepare(&r, time.Now())

	assert.Equal(t, "fixed-key", r.IdempotencyKey)
}

func TestValidate_Accepts(t *testing.T) {
	r := validRecord()
	Prepare(&r, time.Now())

	require.NoError(t, Validate(&r))
}

func TestValidate_ReportsMissingFields(t *testing.T) {
	r := validRecord()
	r.OrderNumber = "   "
	r.Area = ""
	Prepare(&r, time.Now())

	err := Validate(&r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"orderNumber", "area"}, verr.Fields)
}

func TestValidate_RejectsBadFormats(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
		field  string
	}{
		{"status", func(r *Record) { r.Status = "lost" }, "status"},
		{"arrival date", func(r *Record) { r.ArrivalDate = "14/03/2026" }, "arrivalDate"},
		{"delivery time", func(r *Record) { r.DeliveryTime = "9am" }, "deliveryTime"},
		{"email", func(r *Record) { r.ReceiverEmail = "not-an-email" }, "receiverEmail"},
		{"quantity", func(r *Record) { r.Quantity = decimal.NewFromInt(-2) }, "quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			Prepare(&r, time.Now())
			tt.mutate(&r)

			var verr *ValidationError
			require.True(t, errors.As(Validate(&r), &verr))
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestSignatureBytes(t *testing.T) {
	r := validRecord()
	raw, err := r.SignatureBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, raw)

	r.Signature = "not a data url"
	_, err = r.SignatureBytes()
	assert.Error(t, err)

	r.Signature = ""
	raw, err = r.SignatureBytes()
	assert.NoError(t, err)
	assert.Nil(t, raw)
}

func TestSummarize(t *testing.T) {
	records := []Record{
		{Status: StatusDelivered, ArrivalDate: "2026-03-14"},
		{Status: StatusDelivered, ArrivalDate: "2026-03-13"},
		{Status: StatusPending, ArrivalDate: "2026-03-14"},
		{Status: StatusFlagged, ArrivalDate: "2026-03-01"},
	}

	s := Summarize(records, "2026-03-14")
	assert.Equal(t, Stats{Total: 4, Today: 2, Delivered: 2, Pending: 1, Flagged: 1}, s)
}

func TestKeys(t *testing.T) {
	records := []Record{{IdempotencyKey: "a"}, {IdempotencyKey: "b"}}
	assert.Equal(t, []string{"a", "b"}, Keys(records))
}
