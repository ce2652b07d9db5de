package ingest

import "time"

// ConfirmationReq is the payment-confirmation webhook payload. Amounts are
// decimal strings in major units ("120.50"); timestamps are RFC3339.
type ConfirmationReq struct {
	PaymentReference     string    `json:"payment_reference" validate:"required"`
	ChargeReference      string    `json:"charge_reference"`
	Destination          string    `json:"destination" validate:"required"`
	Amount               string    `json:"amount" validate:"required"`
	PlatformFee          string    `json:"platform_fee"`
	Currency             string    `json:"currency" validate:"required,len=3"`
	ServiceWindowEnd     time.Time `json:"service_window_end" validate:"required"`
	PaymentConfirmedAt   time.Time `json:"payment_confirmed_at" validate:"required"`
	AgingPeriodDays      float64   `json:"aging_period_days"`
	ComplaintWindowHours float64   `json:"complaint_window_hours"`
}

type ConfirmationResp struct {
	RecordID    int64     `json:"record_id"`
	Created     bool      `json:"created"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
