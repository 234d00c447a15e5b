package models

import "time"

// VerificationJob asks the processor to re-verify one open deposit
type VerificationJob struct {
	Reference  string    `json:"reference"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
