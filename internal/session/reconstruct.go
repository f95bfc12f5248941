package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/memo"
	"github.com/ocx/memopay/internal/service"
)

// ErrInconsistentSession is returned when the given transactions do not
// form one causally ordered session.
var ErrInconsistentSession = errors.New("transactions do not form a session")

// Status is how far a session has progressed on the ledger.
type Status string

const (
	StatusRequested Status = "requested"
	StatusResponded Status = "responded"
	StatusProven    Status = "proven"
)

// Session is a purchase re-derived from its ledger transactions. It is never
// stored; the transactions are the only source of truth.
type Session struct {
	Requester ledger.PublicKey `json:"requester"`
	Provider  ledger.PublicKey `json:"provider"`
	Request   memo.Request     `json:"request"`
	Payment   uint64           `json:"payment_lamports"`

	RequestSig  ledger.Signature `json:"request_sig"`
	ResponseSig ledger.Signature `json:"response_sig"`
	ProofSig    ledger.Signature `json:"proof_sig"`

	Response *memo.Response `json:"response,omitempty"`
	Proof    *memo.Proof    `json:"proof,omitempty"`
	// Expected is the locally recomputed result, empty for unknown services.
	Expected string `json:"expected,omitempty"`
	Status   Status `json:"status"`
}

// Fetcher loads confirmed transactions by signature.
type Fetcher interface {
	Fetch(ctx context.Context, sig ledger.Signature) (*ledger.TransactionRecord, error)
}

// Reconstruct rebuilds a session from its request and, when given, its
// response and proof signatures, checking that each stage follows from the
// previous one.
func Reconstruct(ctx context.Context, f Fetcher, requestSig, responseSig, proofSig ledger.Signature) (*Session, error) {
	if requestSig.IsZero() {
		return nil, fmt.Errorf("%w: request signature is required", ErrInconsistentSession)
	}
	if responseSig.IsZero() && !proofSig.IsZero() {
		return nil, fmt.Errorf("%w: proof without response", ErrInconsistentSession)
	}

	reqRec, msg, err := fetchMessage(ctx, f, requestSig)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(memo.Request)
	if !ok {
		return nil, fmt.Errorf("%w: %s carries %s, not REQUEST", ErrInconsistentSession, requestSig, msg.Tag())
	}
	sess := &Session{
		Requester:  reqRec.Sender,
		Provider:   reqRec.Receiver,
		Request:    req,
		Payment:    reqRec.Lamports,
		RequestSig: requestSig,
		Status:     StatusRequested,
	}
	if expected, err := service.Execute(req.ServiceType, req.Input); err == nil {
		sess.Expected = expected
	}
	if responseSig.IsZero() {
		return sess, nil
	}

	respRec, _, err := fetchMessage(ctx, f, responseSig)
	if err != nil {
		return nil, err
	}
	resp, err := matchResponse(respRec, sess.Requester, sess.Provider, req.ServiceType)
	if err != nil {
		return nil, fmt.Errorf("%w: response %s: %v", ErrInconsistentSession, responseSig, err)
	}
	if respRec.Slot < reqRec.Slot {
		return nil, fmt.Errorf("%w: response %s precedes its request", ErrInconsistentSession, responseSig)
	}
	sess.ResponseSig = responseSig
	sess.Response = &resp
	sess.Status = StatusResponded
	if proofSig.IsZero() {
		return sess, nil
	}

	proofRec, msg, err := fetchMessage(ctx, f, proofSig)
	if err != nil {
		return nil, err
	}
	proof, ok := msg.(memo.Proof)
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %s carries %s, not PROOF", ErrInconsistentSession, proofSig, msg.Tag())
	case proofRec.Sender != sess.Requester:
		return nil, fmt.Errorf("%w: proof %s not sent by the requester", ErrInconsistentSession, proofSig)
	case proof.Reference != responseSig.String():
		return nil, fmt.Errorf("%w: proof %s references %q, not the response", ErrInconsistentSession, proofSig, proof.Reference)
	case proofRec.Slot < respRec.Slot:
		return nil, fmt.Errorf("%w: proof %s precedes its response", ErrInconsistentSession, proofSig)
	}
	sess.ProofSig = proofSig
	sess.Proof = &proof
	sess.Status = StatusProven
	return sess, nil
}

func fetchMessage(ctx context.Context, f Fetcher, sig ledger.Signature) (*ledger.TransactionRecord, memo.Message, error) {
	rec, err := f.Fetch(ctx, sig)
	if err != nil {
		return nil, nil, err
	}
	msg, ok, err := memo.Read(rec)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s carries no memo", ErrInconsistentSession, sig)
	}
	return rec, msg, nil
}
