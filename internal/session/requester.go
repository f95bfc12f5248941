package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/memo"
	"github.com/ocx/memopay/internal/service"
)

var errNoResponse = errors.New("no matching response before deadline")

// RequestParams describes one purchase.
type RequestParams struct {
	Provider    ledger.PublicKey
	ServiceType string
	Input       string
	// Payment in lamports transferred with the request.
	Payment uint64
	// KnownRequest resumes a session whose request is already on the ledger
	// instead of submitting a new one.
	KnownRequest ledger.Signature
	// KnownResponse skips polling and checks this transaction only.
	KnownResponse ledger.Signature
}

// Requester is Agent A: it pays for a service, verifies the answer and
// publishes the verdict.
type Requester struct {
	tracker
	ledger Ledger
	id     *ledger.Identity
	cfg    Config
}

func NewRequester(l Ledger, id *ledger.Identity, cfg Config) *Requester {
	cfg = cfg.withDefaults()
	cfg.Logger = cfg.Logger.With("component", "session", "address", id.PublicKey())
	return &Requester{ledger: l, id: id, cfg: cfg}
}

// Run drives one session to Done or Failed. It never returns an error:
// every failure is reported through Result.FailureReason.
func (r *Requester) Run(ctx context.Context, p RequestParams) Result {
	s := newRun(RoleRequester, r.cfg)
	r.set(s.m)
	self := r.id.PublicKey()
	s.res.Requester = self
	s.res.Provider = p.Provider
	s.res.ServiceType = p.ServiceType
	s.res.Payment = p.Payment

	// Requesting
	if !service.IsSupported(p.ServiceType) {
		return s.fail(ReasonUnsupportedService, fmt.Errorf("%w: %q", service.ErrUnsupportedService, p.ServiceType))
	}
	req := memo.Request{ServiceType: p.ServiceType, Input: p.Input}
	payload, err := memo.Encode(req)
	if err != nil {
		return s.fail(reasonFor(ctx, err, ReasonInvalidRequest), err)
	}

	var reqRec *ledger.TransactionRecord
	if !p.KnownRequest.IsZero() {
		reqRec, err = r.resumeRequest(ctx, p, req)
		if err != nil {
			return s.fail(reasonFor(ctx, err, ReasonDecodeError), err)
		}
		s.log.Info("resuming session from confirmed request", "request", p.KnownRequest)
	} else {
		sig, err := submitFunded(ctx, r.ledger, r.id, p.Provider, p.Payment, payload, r.cfg, s.log)
		if err != nil {
			return s.fail(reasonFor(ctx, err, ReasonSubmissionFailed), err)
		}
		s.res.RequestSig = sig
		reqRec, err = r.ledger.AwaitConfirmation(ctx, sig, r.cfg.ConfirmTimeout)
		if err != nil {
			return s.fail(reasonFor(ctx, err, ReasonSubmissionFailed), err)
		}
	}
	s.res.RequestSig = reqRec.Signature
	s.advance(StateAwaitingResponse)

	// AwaitingResponse
	respRec, resp, err := r.awaitResponse(ctx, p, reqRec)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return s.fail(ReasonCancelled, err)
		case errors.Is(err, errNoResponse):
			return s.fail(ReasonNoResponse, err)
		default:
			return s.fail(reasonFor(ctx, err, ReasonDecodeError), err)
		}
	}
	s.res.ResponseSig = respRec.Signature
	s.advance(StateVerifying)

	// Verifying
	expected, err := service.Execute(p.ServiceType, p.Input)
	if err != nil {
		return s.fail(ReasonUnsupportedService, err)
	}
	verdict := memo.StatusFailed
	if expected == resp.Result {
		verdict = memo.StatusVerified
	} else {
		s.log.Warn("response does not match recomputed result", "expected", expected, "received", resp.Result)
	}
	s.res.Verdict = verdict
	r.cfg.Metrics.Verdicts.WithLabelValues(string(verdict)).Inc()
	s.advance(StateProving)

	// Proving
	proof := memo.Proof{Status: verdict, Reference: respRec.Signature.String()}
	proofSig, err := r.publishProof(ctx, s, p, proof, respRec)
	if err != nil {
		return s.fail(reasonFor(ctx, err, ReasonSubmissionFailed), err)
	}
	s.res.ProofSig = proofSig
	return s.done()
}

// resumeRequest checks that a caller-supplied request is ours and matches p.
func (r *Requester) resumeRequest(ctx context.Context, p RequestParams, want memo.Request) (*ledger.TransactionRecord, error) {
	rec, err := r.ledger.AwaitConfirmation(ctx, p.KnownRequest, r.cfg.ConfirmTimeout)
	if err != nil {
		return nil, err
	}
	msg, ok, err := memo.Read(rec)
	switch {
	case err != nil:
		return nil, err
	case !ok:
		return nil, fmt.Errorf("%w: request %s carries no memo", memo.ErrDecode, rec.Signature)
	}
	got, isReq := msg.(memo.Request)
	if !isReq || got != want {
		return nil, fmt.Errorf("%w: %s is not this session's request", memo.ErrDecode, rec.Signature)
	}
	if rec.Sender != r.id.PublicKey() || rec.Receiver != p.Provider {
		return nil, fmt.Errorf("%w: request %s has unexpected parties", memo.ErrDecode, rec.Signature)
	}
	return rec, nil
}

// matchResponse reports whether rec answers a request of serviceType sent
// from requester to provider.
func matchResponse(rec *ledger.TransactionRecord, requester, provider ledger.PublicKey, serviceType string) (memo.Response, error) {
	if rec.Sender != provider || rec.Receiver != requester {
		return memo.Response{}, errors.New("not addressed from provider to requester")
	}
	msg, ok, err := memo.Read(rec)
	if err != nil {
		return memo.Response{}, err
	}
	if !ok {
		return memo.Response{}, errors.New("no memo")
	}
	resp, isResp := msg.(memo.Response)
	if !isResp {
		return memo.Response{}, fmt.Errorf("%s message", msg.Tag())
	}
	if resp.ServiceType != serviceType {
		return memo.Response{}, fmt.Errorf("service type %q", resp.ServiceType)
	}
	return resp, nil
}

// awaitResponse polls the provider's history after the request until a
// matching response appears or the response deadline passes.
func (r *Requester) awaitResponse(ctx context.Context, p RequestParams, reqRec *ledger.TransactionRecord) (*ledger.TransactionRecord, memo.Response, error) {
	self := r.id.PublicKey()
	wctx, cancel := context.WithTimeout(ctx, r.cfg.ResponseTimeout)
	defer cancel()

	if !p.KnownResponse.IsZero() {
		rec, err := r.ledger.AwaitConfirmation(wctx, p.KnownResponse, r.cfg.ResponseTimeout)
		if err != nil {
			if errors.Is(err, ledger.ErrConfirmationTimeout) && ctx.Err() == nil {
				return nil, memo.Response{}, fmt.Errorf("%w: %v", errNoResponse, err)
			}
			return nil, memo.Response{}, err
		}
		resp, err := matchResponse(rec, self, p.Provider, p.ServiceType)
		if err != nil {
			return nil, memo.Response{}, fmt.Errorf("%w: response %s: %v", memo.ErrDecode, rec.Signature, err)
		}
		return rec, resp, nil
	}

	cursor := reqRec.Signature
	for {
		sigs, err := r.ledger.Signatures(wctx, p.Provider, cursor, r.cfg.PageSize)
		if err != nil && wctx.Err() == nil {
			r.cfg.Logger.Warn("listing provider transactions failed", "error", err)
		}
		for _, sig := range sigs {
			rec, err := r.ledger.Fetch(wctx, sig)
			if err != nil {
				if !ledger.IsUnreadable(err) {
					// Retried on the next poll from the same cursor.
					r.cfg.Logger.Debug("fetch failed", "signature", sig, "error", err)
					break
				}
				r.cfg.Logger.Warn("skipping unreadable transaction", "signature", sig, "error", err)
				cursor = sig
				continue
			}
			cursor = sig
			if rec.Slot < reqRec.Slot {
				continue
			}
			resp, err := matchResponse(rec, self, p.Provider, p.ServiceType)
			if err != nil {
				r.cfg.Logger.Debug("skipping transaction", "signature", sig, "reason", err)
				continue
			}
			return rec, resp, nil
		}

		if err := r.cfg.Sleep(wctx, r.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, memo.Response{}, ctx.Err()
			}
			return nil, memo.Response{}, fmt.Errorf("%w after %s", errNoResponse, r.cfg.ResponseTimeout)
		}
	}
}

// publishProof submits the verdict as a memo-only transaction. A resumed
// session reuses a proof it already published for the same response.
func (r *Requester) publishProof(ctx context.Context, s *run, p RequestParams, proof memo.Proof, respRec *ledger.TransactionRecord) (ledger.Signature, error) {
	if !p.KnownRequest.IsZero() {
		if sig, ok := r.findProof(ctx, proof, respRec.Signature); ok {
			s.log.Info("reusing published proof", "proof", sig)
			return sig, nil
		}
	}
	payload, err := memo.Encode(proof)
	if err != nil {
		return ledger.Signature{}, err
	}
	sig, err := submitFunded(ctx, r.ledger, r.id, p.Provider, 0, payload, r.cfg, s.log)
	if err != nil {
		return ledger.Signature{}, err
	}
	s.res.ProofSig = sig
	if _, err := r.ledger.AwaitConfirmation(ctx, sig, r.cfg.ConfirmTimeout); err != nil {
		return ledger.Signature{}, err
	}
	return sig, nil
}

func (r *Requester) findProof(ctx context.Context, want memo.Proof, after ledger.Signature) (ledger.Signature, bool) {
	self := r.id.PublicKey()
	sigs, err := r.ledger.Signatures(ctx, self, after, r.cfg.PageSize)
	if err != nil {
		return ledger.Signature{}, false
	}
	for _, sig := range sigs {
		rec, err := r.ledger.Fetch(ctx, sig)
		if err != nil || rec.Sender != self {
			continue
		}
		if msg, ok, err := memo.Read(rec); ok && err == nil && msg == memo.Message(want) {
			return sig, true
		}
	}
	return ledger.Signature{}, false
}
