package models

import "time"

// Record is one inspection-certificate record. UpdatedAt doubles as the
// version marker for optimistic-concurrency checks: writers present the
// nanosecond value they last observed.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Inspector string    `json:"inspector"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version returns the record's current version marker.
func (r *Record) Version() int64 {
	return r.UpdatedAt.UnixNano()
}

// StartOperationRequest submits a consolidation operation. OperationID is
// optional; the server generates one when absent.
type StartOperationRequest struct {
	OperationID string   `json:"operation_id,omitempty"`
	RecordIDs   []string `json:"record_ids"`
}

// StartOperationResponse acknowledges a started operation.
type StartOperationResponse struct {
	OperationID string `json:"operation_id"`
}

// WriteRecordRequest mutates a record. Version must carry the marker the
// writer last observed.
type WriteRecordRequest struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Inspector string `json:"inspector"`
	Body      string `json:"body"`
	Version   int64  `json:"version"`
}

// LeaseRequest acquires, refreshes or releases the edit lease on a record.
type LeaseRequest struct {
	RecordID string `json:"record_id"`
}
