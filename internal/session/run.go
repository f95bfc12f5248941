package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/memopay/internal/ledger"
)

// run is the bookkeeping of one role execution: the state machine, the
// result under construction and per-stage timing.
type run struct {
	m          *Machine
	res        Result
	log        *slog.Logger
	metrics    *Metrics
	stageStart time.Time
}

func newRun(role Role, cfg Config) *run {
	id := uuid.New()
	now := time.Now()
	return &run{
		m: NewMachine(role),
		res: Result{
			SessionID: id,
			Role:      role,
			StartedAt: now,
		},
		log:        cfg.Logger.With("role", role, "session", id),
		metrics:    cfg.Metrics,
		stageStart: now,
	}
}

func (r *run) advance(to State) {
	from := r.m.State()
	if err := r.m.Advance(to); err != nil {
		r.log.Error("state machine rejected transition", "error", err)
		return
	}
	r.observeStage(from)
	r.log.Info("session advanced", "from", from, "to", to)
}

func (r *run) observeStage(stage State) {
	r.metrics.StageSeconds.WithLabelValues(string(r.res.Role), stage.String()).Observe(time.Since(r.stageStart).Seconds())
	r.stageStart = time.Now()
}

func (r *run) fail(reason FailureReason, err error) Result {
	stage := r.m.State()
	r.observeStage(stage)
	r.m.Fail(reason)
	r.res.FailureReason = reason
	r.res.FailedStage = stage.String()
	if err != nil {
		r.res.Error = err.Error()
	}
	r.log.Warn("session failed", "stage", stage, "reason", reason, "error", err)
	return r.finish()
}

func (r *run) done() Result {
	r.advance(StateDone)
	r.log.Info("session done",
		"request", r.res.RequestSig, "response", r.res.ResponseSig, "proof", r.res.ProofSig, "verdict", r.res.Verdict)
	return r.finish()
}

func (r *run) finish() Result {
	r.res.State = r.m.State()
	r.res.FinishedAt = time.Now()
	r.metrics.finish(r.res)
	return r.res
}

// tracker exposes the machine of the role's current run to concurrent
// readers such as the status API.
type tracker struct {
	mu sync.RWMutex
	m  *Machine
}

func (t *tracker) set(m *Machine) {
	t.mu.Lock()
	t.m = m
	t.mu.Unlock()
}

// Current returns the machine of the run in progress, or of the last run.
// It is nil before the first run.
func (t *tracker) Current() *Machine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m
}

// ensureFunds tops up key when its balance is below need.
func ensureFunds(ctx context.Context, l Ledger, key ledger.PublicKey, need uint64, cfg Config, log *slog.Logger) error {
	balance, err := l.Balance(ctx, key)
	if err != nil {
		return err
	}
	if balance >= need {
		return nil
	}
	amount := cfg.FundingAmount
	if short := need - balance; amount < short {
		amount = short
	}
	log.Info("balance below requirement, requesting funds",
		"balance_sol", ledger.ToSOL(balance), "need_sol", ledger.ToSOL(need), "amount_sol", ledger.ToSOL(amount))
	if _, err := l.RequestFunds(ctx, key, amount); err != nil {
		return fmt.Errorf("%w: funding failed: %v", ledger.ErrInsufficientFunds, err)
	}
	return nil
}

// submitFunded submits a transfer plus memo, funding the sender first when
// its balance cannot cover lamports plus the fee margin. A submission the
// node rejects for lack of funds is funded and retried, at most
// cfg.FundingRetries times in total.
func submitFunded(ctx context.Context, l Ledger, sender *ledger.Identity, to ledger.PublicKey, lamports uint64, payload []byte, cfg Config, log *slog.Logger) (ledger.Signature, error) {
	key := sender.PublicKey()
	need := lamports + cfg.FeeMargin
	if err := ensureFunds(ctx, l, key, need, cfg, log); err != nil {
		return ledger.Signature{}, err
	}

	for attempt := 1; ; attempt++ {
		sig, err := l.Submit(ctx, sender, to, lamports, payload)
		if err == nil {
			return sig, nil
		}
		if !errors.Is(err, ledger.ErrInsufficientFunds) || attempt >= cfg.FundingRetries {
			return ledger.Signature{}, err
		}
		log.Warn("submission rejected for insufficient funds", "attempt", attempt, "error", err)
		amount := cfg.FundingAmount
		if amount < need {
			amount = need
		}
		if _, ferr := l.RequestFunds(ctx, key, amount); ferr != nil {
			return ledger.Signature{}, fmt.Errorf("%w: funding failed: %v", ledger.ErrInsufficientFunds, ferr)
		}
	}
}
