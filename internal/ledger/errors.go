package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRetryExhausted       = errors.New("retry budget exhausted")
	ErrConfirmationTimeout  = errors.New("transaction not confirmed before deadline")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrTransactionFailed    = errors.New("transaction failed on-chain")
	ErrTransactionNotFound  = errors.New("transaction not found")
	// ErrMalformedTransaction marks a fetched transaction that does not
	// normalize, such as one with an unknown instruction shape.
	ErrMalformedTransaction = errors.New("malformed transaction")
)

// JSON-RPC error codes reported by Solana nodes.
const (
	codeSendTransactionPreflightFailure = -32002
	codeBlockNotAvailable               = -32004
	codeNodeUnhealthy                   = -32005
	codeTransactionPrecompileFailure    = -32003
	codeRateLimited                     = 429
)

// RPCError is a failure reported by the RPC endpoint, either at the HTTP
// layer (Status set) or inside a JSON-RPC error object (Code set).
type RPCError struct {
	Method  string
	Status  int
	Code    int
	Message string
	// Err is the underlying transport error, if any.
	Err error
}

func (e *RPCError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("rpc %s: %v", e.Method, e.Err)
	case e.Status != 0 && e.Code == 0:
		return fmt.Sprintf("rpc %s: http %d: %s", e.Method, e.Status, e.Message)
	default:
		return fmt.Sprintf("rpc %s: code %d: %s", e.Method, e.Code, e.Message)
	}
}

func (e *RPCError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is a rate limit or transient
// network/node condition worth another attempt.
func (e *RPCError) Retryable() bool {
	if e.Err != nil {
		return true
	}
	if e.Status == 429 || e.Status >= 500 {
		return true
	}
	switch e.Code {
	case codeRateLimited, codeNodeUnhealthy, codeBlockNotAvailable:
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "airdrop limit") ||
		strings.Contains(msg, "faucet has run dry") ||
		strings.Contains(msg, "blockhash not found")
}

// IsRetryable reports whether err is a retryable RPC failure.
func IsRetryable(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Retryable()
}

// IsUnreadable reports whether a Fetch failure will repeat for the same
// signature: the transaction does not normalize, or the node rejected the
// request with a non-transient JSON-RPC error. Transport failures, rate
// limits and exhausted retries are not unreadable.
func IsUnreadable(err error) bool {
	if errors.Is(err, ErrMalformedTransaction) {
		return true
	}
	if errors.Is(err, ErrRetryExhausted) {
		return false
	}
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code != 0 && !rpcErr.Retryable()
}

// isInsufficientFunds recognises the preflight failures a node reports when
// the payer cannot cover the transfer or has never been credited.
func isInsufficientFunds(e *RPCError) bool {
	if e.Code != codeSendTransactionPreflightFailure && e.Code != codeTransactionPrecompileFailure {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "insufficient lamports") ||
		strings.Contains(msg, "no record of a prior credit") ||
		strings.Contains(msg, "accountnotfound")
}
