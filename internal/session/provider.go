package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/memo"
	"github.com/ocx/memopay/internal/service"
)

var errNoRequest = errors.New("no acceptable request before deadline")

// ProviderParams configures one provider run.
type ProviderParams struct {
	// Price is the minimum payment, in lamports, a request must carry.
	Price uint64
	// KnownRequest is checked directly instead of polling for requests.
	KnownRequest ledger.Signature
}

// Provider is Agent B: it sells one service for a minimum price and answers
// each accepted request with a response memo.
type Provider struct {
	tracker
	ledger  Ledger
	id      *ledger.Identity
	cursors CursorStore
	cfg     Config
}

func NewProvider(l Ledger, id *ledger.Identity, cursors CursorStore, cfg Config) *Provider {
	cfg = cfg.withDefaults()
	cfg.Logger = cfg.Logger.With("component", "session", "address", id.PublicKey())
	return &Provider{ledger: l, id: id, cursors: cursors, cfg: cfg}
}

func (p *Provider) cursorKey() string { return p.id.PublicKey().String() }

// Run listens for one acceptable request and answers it. It never returns
// an error: every failure is reported through Result.FailureReason.
func (p *Provider) Run(ctx context.Context, params ProviderParams) Result {
	s := newRun(RoleProvider, p.cfg)
	p.set(s.m)
	self := p.id.PublicKey()
	s.res.Provider = self

	// Listening
	reqRec, req, err := p.listen(ctx, s, params)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return s.fail(ReasonCancelled, err)
		case errors.Is(err, errNoRequest):
			return s.fail(ReasonNoRequest, err)
		case errors.Is(err, memo.ErrDecode), errors.Is(err, memo.ErrUnrecognizedMessage):
			return s.fail(ReasonDecodeError, err)
		default:
			return s.fail(reasonFor(ctx, err, ReasonNoRequest), err)
		}
	}
	s.res.Requester = reqRec.Sender
	s.res.RequestSig = reqRec.Signature
	s.res.ServiceType = req.ServiceType
	s.res.Payment = reqRec.Lamports
	s.log.Info("request accepted",
		"request", reqRec.Signature, "from", reqRec.Sender, "service", req.ServiceType, "paid_sol", ledger.ToSOL(reqRec.Lamports))
	s.advance(StateExecuting)

	// Executing
	result, err := service.Execute(req.ServiceType, req.Input)
	if err != nil {
		p.saveCursor(ctx, s, reqRec.Signature)
		return s.fail(ReasonUnsupportedService, err)
	}
	s.advance(StateResponding)

	// Responding
	respSig, err := p.respond(ctx, s, reqRec, memo.Response{ServiceType: req.ServiceType, Result: result})
	if err != nil {
		if errors.Is(err, memo.ErrPayloadTooLarge) {
			p.saveCursor(ctx, s, reqRec.Signature)
		}
		return s.fail(reasonFor(ctx, err, ReasonSubmissionFailed), err)
	}
	s.res.ResponseSig = respSig
	p.saveCursor(ctx, s, reqRec.Signature)
	return s.done()
}

// evaluate decides whether rec is a request this provider accepts. A
// non-empty reason means the transaction is skipped.
func (p *Provider) evaluate(rec *ledger.TransactionRecord, price uint64) (memo.Request, string, error) {
	if rec.Receiver != p.id.PublicKey() || rec.Sender == p.id.PublicKey() {
		return memo.Request{}, "foreign", nil
	}
	msg, ok, err := memo.Read(rec)
	if !ok {
		return memo.Request{}, "no_memo", nil
	}
	if err != nil {
		return memo.Request{}, "undecodable", err
	}
	req, isReq := msg.(memo.Request)
	if !isReq {
		return memo.Request{}, "not_request", nil
	}
	if rec.Lamports < price {
		return req, "underpaid", nil
	}
	return req, "", nil
}

func (p *Provider) listen(ctx context.Context, s *run, params ProviderParams) (*ledger.TransactionRecord, memo.Request, error) {
	lctx, cancel := context.WithTimeout(ctx, p.cfg.ListenTimeout)
	defer cancel()

	if !params.KnownRequest.IsZero() {
		rec, err := p.ledger.AwaitConfirmation(lctx, params.KnownRequest, p.cfg.ConfirmTimeout)
		if err != nil {
			return nil, memo.Request{}, err
		}
		req, reason, err := p.evaluate(rec, params.Price)
		switch {
		case err != nil:
			return nil, memo.Request{}, err
		case reason == "underpaid":
			s.log.Warn("known request is underpaid, listening for another",
				"request", rec.Signature, "paid", rec.Lamports, "price", params.Price)
			p.cfg.Metrics.IgnoredRequests.WithLabelValues(reason).Inc()
		case reason != "":
			return nil, memo.Request{}, fmt.Errorf("%w: %s is not a request for this provider (%s)", memo.ErrDecode, rec.Signature, reason)
		default:
			return rec, req, nil
		}
	}

	cursor, err := p.loadCursor(lctx, s)
	if err != nil {
		return nil, memo.Request{}, err
	}

	self := p.id.PublicKey()
	for {
		sigs, err := p.ledger.Signatures(lctx, self, cursor, p.cfg.PageSize)
		if err != nil && lctx.Err() == nil {
			s.log.Warn("listing transactions failed", "error", err)
		}
		for _, sig := range sigs {
			rec, err := p.ledger.Fetch(lctx, sig)
			if err != nil {
				if !ledger.IsUnreadable(err) {
					// Retried on the next poll from the same cursor.
					s.log.Debug("fetch failed", "signature", sig, "error", err)
					break
				}
				s.log.Warn("skipping unreadable transaction", "signature", sig, "error", err)
				p.cfg.Metrics.IgnoredRequests.WithLabelValues("unreadable").Inc()
				cursor = sig
				p.saveCursor(lctx, s, cursor)
				continue
			}
			req, reason, err := p.evaluate(rec, params.Price)
			if reason == "" {
				return rec, req, nil
			}
			p.cfg.Metrics.IgnoredRequests.WithLabelValues(reason).Inc()
			if reason == "underpaid" {
				s.log.Info("ignoring underpaid request",
					"request", sig, "from", rec.Sender, "paid", rec.Lamports, "price", params.Price)
			} else {
				s.log.Debug("skipping transaction", "signature", sig, "reason", reason, "error", err)
			}
			cursor = sig
			p.saveCursor(lctx, s, cursor)
		}

		if err := p.cfg.Sleep(lctx, p.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, memo.Request{}, ctx.Err()
			}
			return nil, memo.Request{}, fmt.Errorf("%w after %s", errNoRequest, p.cfg.ListenTimeout)
		}
	}
}

// loadCursor returns the last-seen signature. Without a stored cursor the
// provider starts from its newest transaction and only answers requests
// that arrive afterwards.
func (p *Provider) loadCursor(ctx context.Context, s *run) (ledger.Signature, error) {
	if p.cursors != nil {
		cursor, ok, err := p.cursors.Load(ctx, p.cursorKey())
		if err != nil {
			s.log.Warn("loading cursor failed, starting from newest transaction", "error", err)
		} else if ok {
			return cursor, nil
		}
	}
	sigs, err := p.ledger.Signatures(ctx, p.id.PublicKey(), ledger.Signature{}, 1)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("initial cursor: %w", err)
	}
	if len(sigs) == 0 {
		return ledger.Signature{}, nil
	}
	cursor := sigs[len(sigs)-1]
	p.saveCursor(ctx, s, cursor)
	return cursor, nil
}

// Prime places the listening cursor without waiting for a request, so a
// request submitted after Prime returns is seen by the next Run.
func (p *Provider) Prime(ctx context.Context) (ledger.Signature, error) {
	return p.loadCursor(ctx, newRun(RoleProvider, p.cfg))
}

func (p *Provider) saveCursor(ctx context.Context, s *run, sig ledger.Signature) {
	if p.cursors == nil {
		return
	}
	if err := p.cursors.Save(ctx, p.cursorKey(), sig); err != nil {
		s.log.Warn("saving cursor failed", "cursor", sig, "error", err)
	}
}

// respond publishes resp to the requester, reusing a response this provider
// already confirmed for the same request.
func (p *Provider) respond(ctx context.Context, s *run, reqRec *ledger.TransactionRecord, resp memo.Response) (ledger.Signature, error) {
	if sig, ok := p.findResponse(ctx, reqRec, resp); ok {
		s.log.Info("request already answered, reusing response", "response", sig)
		return sig, nil
	}
	payload, err := memo.Encode(resp)
	if err != nil {
		return ledger.Signature{}, err
	}
	sig, err := submitFunded(ctx, p.ledger, p.id, reqRec.Sender, p.cfg.ResponseLamports, payload, p.cfg, s.log)
	if err != nil {
		return ledger.Signature{}, err
	}
	s.res.ResponseSig = sig
	if _, err := p.ledger.AwaitConfirmation(ctx, sig, p.cfg.ConfirmTimeout); err != nil {
		return ledger.Signature{}, err
	}
	return sig, nil
}

func (p *Provider) findResponse(ctx context.Context, reqRec *ledger.TransactionRecord, want memo.Response) (ledger.Signature, bool) {
	self := p.id.PublicKey()
	sigs, err := p.ledger.Signatures(ctx, self, reqRec.Signature, p.cfg.PageSize)
	if err != nil {
		return ledger.Signature{}, false
	}
	for _, sig := range sigs {
		rec, err := p.ledger.Fetch(ctx, sig)
		if err != nil {
			continue
		}
		got, err := matchResponse(rec, reqRec.Sender, self, want.ServiceType)
		if err == nil && got == want {
			return sig, true
		}
	}
	return ledger.Signature{}, false
}
