package model

import "time"

// CredentialOperationAppend is the only credential-items operation this service sends.
const CredentialOperationAppend = "APPEND"

// Submission is one credential-items mutation request.
type Submission struct {
	CredID    string
	Operation string
	Items     []string
}

// NewAppendSubmission builds the single-address APPEND submission for claimer.
func NewAppendSubmission(credID, claimer string) Submission {
	return Submission{
		CredID:    credID,
		Operation: CredentialOperationAppend,
		Items:     []string{claimer},
	}
}

type VerifyOutcome string

const (
	VerifySucceeded VerifyOutcome = "succeeded"
	VerifyFailed    VerifyOutcome = "failed"
	// VerifyRejected means the call was not attempted (circuit open).
	VerifyRejected VerifyOutcome = "rejected"
)

type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailureTerminal  FailureClass = "terminal"
)

// VerifyResult is the outcome of one credential submission.
type VerifyResult struct {
	Claimer      string
	Outcome      VerifyOutcome
	FailureClass FailureClass
	Reason       string
	StatusCode   int
	Err          error
	Duration     time.Duration
}

func (r VerifyResult) OK() bool {
	return r.Outcome == VerifySucceeded
}

// ParkedClaim is a claim whose verification failed and is kept for replay.
type ParkedClaim struct {
	Event    ClaimEvent
	Result   VerifyResult
	Source   string
	ParkedAt time.Time
}
