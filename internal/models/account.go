package models

import "time"

// FailureKind classifies why a pipeline run failed. Empty on success.
type FailureKind string

const (
	FailurePoolEmpty    FailureKind = "pool_empty"
	FailureChallenge    FailureKind = "challenge_failed"
	FailureVerification FailureKind = "verification_failed"
	FailureRegistration FailureKind = "registration_failed"
	FailureUnexpected   FailureKind = "unexpected"
)

// AccountRecord is the terminal outcome of one pipeline run, successful
// or not. Records are append-only; duplicates across retried jobs are
// expected and tolerated downstream.
type AccountRecord struct {
	ID               int64       `db:"id" json:"id,omitempty"`
	Email            string      `db:"email" json:"email,omitempty"`
	Username         string      `db:"username" json:"username,omitempty"`
	Password         string      `db:"password" json:"password,omitempty"`
	Birthdate        string      `db:"birthdate" json:"birthdate,omitempty"`
	VerificationCode string      `db:"verification_code" json:"verification_code,omitempty"`
	AccountData      string      `db:"account_data" json:"account_data,omitempty"`
	Success          bool        `db:"success" json:"success"`
	ErrorKind        FailureKind `db:"error_kind" json:"error,omitempty"`
	Message          string      `db:"message" json:"message,omitempty"`
	JobID            string      `db:"job_id" json:"job_id,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
}
