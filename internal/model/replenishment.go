package model

import "time"

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

func (s RequestStatus) Valid() bool {
	return s == RequestPending || s == RequestApproved || s == RequestRejected
}

type ReplenishmentRequest struct {
	ID          int64         `json:"id"`
	RequesterID int64         `json:"requester_id"`
	Quantity    int           `json:"quantity"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	DecidedBy   *int64        `json:"decided_by,omitempty"`
}
