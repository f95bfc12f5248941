package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/memo"
)

// FailureReason says why a session ended in StateFailed.
type FailureReason string

const (
	ReasonInsufficientFunds   FailureReason = "insufficient_funds"
	ReasonPayloadTooLarge     FailureReason = "payload_too_large"
	ReasonInvalidRequest      FailureReason = "invalid_request"
	ReasonSubmissionFailed    FailureReason = "submission_failed"
	ReasonConfirmationTimeout FailureReason = "confirmation_timeout"
	ReasonNoResponse          FailureReason = "no_response"
	ReasonNoRequest           FailureReason = "no_request"
	ReasonDecodeError         FailureReason = "decode_error"
	ReasonUnsupportedService  FailureReason = "unsupported_service"
	ReasonCancelled           FailureReason = "cancelled"
)

// Result is the final, immutable output of one role's run. A result always
// carries either a verdict or a failure reason; on the requester side it may
// carry both when the proof could not be published.
type Result struct {
	SessionID   uuid.UUID        `json:"session_id"`
	Role        Role             `json:"role"`
	Requester   ledger.PublicKey `json:"requester"`
	Provider    ledger.PublicKey `json:"provider"`
	ServiceType string           `json:"service_type,omitempty"`
	Payment     uint64           `json:"payment_lamports"`

	RequestSig  ledger.Signature `json:"request_sig"`
	ResponseSig ledger.Signature `json:"response_sig"`
	ProofSig    ledger.Signature `json:"proof_sig"`

	Verdict       memo.Status   `json:"verdict,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailedStage   string        `json:"failed_stage,omitempty"`
	Error         string        `json:"error,omitempty"`
	State         State         `json:"state"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the role reached StateDone.
func (r Result) Succeeded() bool { return r.State == StateDone }

// reasonFor maps a ledger or codec error to a failure reason. fallback is
// used when the error carries no more specific cause.
func reasonFor(ctx context.Context, err error, fallback FailureReason) FailureReason {
	switch {
	case ctx.Err() != nil:
		return ReasonCancelled
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return ReasonConfirmationTimeout
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, memo.ErrPayloadTooLarge):
		return ReasonPayloadTooLarge
	default:
		return fallback
	}
}
