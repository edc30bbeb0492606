package models

import "time"

// RecordState represents where a record is in its extraction lifecycle
type RecordState string

const (
	StatePending  RecordState = "PENDING"
	StateHasPhone RecordState = "HAS_PHONE"
	StateHasError RecordState = "HAS_ERROR"
)

// PhoneNotFound is the failure reason recorded when a page exposes no usable phone
const PhoneNotFound = "Phone number not found"

// AccommodationRecord tracks one listing URL and its extraction outcome
type AccommodationRecord struct {
	ID          int64      `json:"id"`
	URL         string     `json:"url"`
	Phone       *string    `json:"phone"`
	ProcessedAt *time.Time `json:"processed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	Error       *string    `json:"error"`
}

// State derives the lifecycle state from the outcome columns
func (r AccommodationRecord) State() RecordState {
	switch {
	case r.Phone != nil:
		return StateHasPhone
	case r.Error != nil:
		return StateHasError
	default:
		return StatePending
	}
}

// UnprocessedRecord is the (id, url) pair a batch works through
type UnprocessedRecord struct {
	ID  int64
	URL string
}

// Statistics holds aggregate record counts taken from one snapshot
type Statistics struct {
	Total     int64 `json:"total"`
	WithPhone int64 `json:"with_phone"`
	Pending   int64 `json:"pending"`
	WithError int64 `json:"errors"`
}

// CreateRecordRequest represents a request to submit one URL
type CreateRecordRequest struct {
	URL      string `json:"url"`
	Priority *int   `json:"priority,omitempty"`
}

// BatchCreateRequest represents a request to submit many URLs
type BatchCreateRequest struct {
	URLs     []string `json:"urls"`
	Priority *int     `json:"priority,omitempty"`
}

// ItemError describes why one URL of a batch submission was rejected
type ItemError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// BatchCreateResponse reports per-item outcomes of a batch submission
type BatchCreateResponse struct {
	Message     string                 `json:"message"`
	AddedCount  int                    `json:"added_count"`
	Added       []*AccommodationRecord `json:"added"`
	ErrorsCount int                    `json:"errors_count"`
	Errors      []ItemError            `json:"errors"`
}

// ProcessResponse reports the outcome of one batch run
type ProcessResponse struct {
	Message        string `json:"message"`
	ProcessedCount int    `json:"processed_count"`
}
