package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/pflag"

	"github.com/ocx/memopay/internal/api"
	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/session"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		return err
	}
	return nil
}

func optionalSignature(s string) (ledger.Signature, error) {
	if s == "" {
		return ledger.Signature{}, nil
	}
	return ledger.ParseSignature(s)
}

// ----------------------------------------------------------------
// account commands
// ----------------------------------------------------------------

func cmdBalance(ctx context.Context, args []string) error {
	fs, c := newFlagSet("balance")
	if err := parse(fs, args); err != nil {
		return err
	}
	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	out := make(map[string]interface{})
	for _, role := range []session.Role{session.RoleRequester, session.RoleProvider} {
		id, err := a.identity(role)
		if err != nil {
			return err
		}
		lamports, err := a.client.Balance(ctx, id.PublicKey())
		if err != nil {
			return err
		}
		out[string(role)] = map[string]interface{}{
			"address":  id.PublicKey(),
			"lamports": lamports,
			"sol":      ledger.ToSOL(lamports),
		}
	}
	return printJSON(out)
}

func cmdFund(ctx context.Context, args []string) error {
	fs, c := newFlagSet("fund")
	roleName := fs.String("role", "requester", "agent to fund: requester or provider")
	sol := fs.Float64("sol", 1, "amount to request from the faucet")
	if err := parse(fs, args); err != nil {
		return err
	}
	role, err := parseRole(*roleName)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.identity(role)
	if err != nil {
		return err
	}
	rec, err := a.client.RequestFunds(ctx, id.PublicKey(), ledger.SOL(*sol))
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"address":   id.PublicKey(),
		"signature": rec.Signature,
		"lamports":  rec.Lamports,
	})
}

func cmdActivate(ctx context.Context, args []string) error {
	fs, c := newFlagSet("activate")
	roleName := fs.String("role", "requester", "agent to activate: requester or provider")
	if err := parse(fs, args); err != nil {
		return err
	}
	role, err := parseRole(*roleName)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.identity(role)
	if err != nil {
		return err
	}
	sig, err := a.client.Activate(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"address": id.PublicKey(), "signature": sig})
}

// ----------------------------------------------------------------
// session commands
// ----------------------------------------------------------------

type requestFlags struct {
	provider    *string
	service     *string
	input       *string
	payment     *float64
	requestSig  *string
	responseSig *string
}

func addRequestFlags(fs *pflag.FlagSet) requestFlags {
	return requestFlags{
		provider:    fs.String("provider", "", "provider address (default: address of the provider keypair)"),
		service:     fs.String("service", "", "service type (default from config)"),
		input:       fs.String("input", "hello_solana_hackathon", "service input"),
		payment:     fs.Float64("payment", 0, "payment in SOL (default from config)"),
		requestSig:  fs.String("request-sig", "", "resume from an already submitted request"),
		responseSig: fs.String("response-sig", "", "verify this response instead of polling for one"),
	}
}

func (f requestFlags) params(a *app) (session.RequestParams, error) {
	var p session.RequestParams
	if *f.provider != "" {
		k, err := ledger.ParsePublicKey(*f.provider)
		if err != nil {
			return p, err
		}
		p.Provider = k
	} else {
		id, err := a.identity(session.RoleProvider)
		if err != nil {
			return p, fmt.Errorf("no --provider given: %w", err)
		}
		p.Provider = id.PublicKey()
	}

	p.ServiceType = a.cfg.Session.ServiceType
	if *f.service != "" {
		p.ServiceType = *f.service
	}
	p.Input = *f.input
	p.Payment = ledger.SOL(a.cfg.Session.PaymentSOL)
	if *f.payment > 0 {
		p.Payment = ledger.SOL(*f.payment)
	}

	var err error
	if p.KnownRequest, err = optionalSignature(*f.requestSig); err != nil {
		return p, err
	}
	if p.KnownResponse, err = optionalSignature(*f.responseSig); err != nil {
		return p, err
	}
	return p, nil
}

func cmdRequest(ctx context.Context, args []string) error {
	fs, c := newFlagSet("request")
	rf := addRequestFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.identity(session.RoleRequester)
	if err != nil {
		return err
	}
	params, err := rf.params(a)
	if err != nil {
		return err
	}

	req := session.NewRequester(a.client, id, a.sessionConfig())
	a.serve(ctx, map[session.Role]api.StateSource{session.RoleRequester: req})

	res := req.Run(ctx, params)
	a.record(ctx, res)
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("session %s failed at %s: %s", res.SessionID, res.FailedStage, res.FailureReason)
	}
	return nil
}

func cmdProvide(ctx context.Context, args []string) error {
	fs, c := newFlagSet("provide")
	price := fs.Float64("price", 0, "minimum accepted payment in SOL (default from config)")
	known := fs.String("request-sig", "", "serve this request instead of listening")
	loop := fs.Bool("loop", false, "keep serving sessions until interrupted")
	if err := parse(fs, args); err != nil {
		return err
	}
	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.identity(session.RoleProvider)
	if err != nil {
		return err
	}
	params := session.ProviderParams{Price: ledger.SOL(a.cfg.Session.PriceSOL)}
	if *price > 0 {
		params.Price = ledger.SOL(*price)
	}
	if params.KnownRequest, err = optionalSignature(*known); err != nil {
		return err
	}

	prov := session.NewProvider(a.client, id, a.cursorStore(), a.sessionConfig())
	a.serve(ctx, map[session.Role]api.StateSource{session.RoleProvider: prov})

	for {
		res := prov.Run(ctx, params)
		a.record(ctx, res)
		if err := printJSON(res); err != nil {
			return err
		}
		if !*loop || ctx.Err() != nil {
			if !res.Succeeded() {
				return fmt.Errorf("session %s failed at %s: %s", res.SessionID, res.FailedStage, res.FailureReason)
			}
			return nil
		}
		// Only the first iteration serves a named request.
		params.KnownRequest = ledger.Signature{}
	}
}

func cmdDemo(ctx context.Context, args []string) error {
	fs, c := newFlagSet("demo")
	rf := addRequestFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	requesterID, err := a.identity(session.RoleRequester)
	if err != nil {
		return err
	}
	providerID, err := a.identity(session.RoleProvider)
	if err != nil {
		return err
	}
	*rf.provider = providerID.PublicKey().String()
	params, err := rf.params(a)
	if err != nil {
		return err
	}

	cfg := a.sessionConfig()
	req := session.NewRequester(a.client, requesterID, cfg)
	prov := session.NewProvider(a.client, providerID, a.cursorStore(), cfg)
	a.serve(ctx, map[session.Role]api.StateSource{
		session.RoleRequester: req,
		session.RoleProvider:  prov,
	})

	// The cursor must be placed before the request lands or the provider
	// would start listening after it.
	if _, err := prov.Prime(ctx); err != nil {
		return err
	}

	var (
		wg      sync.WaitGroup
		provRes session.Result
	)
	provCtx, cancelProv := context.WithCancel(ctx)
	defer cancelProv()
	wg.Add(1)
	go func() {
		defer wg.Done()
		provRes = prov.Run(provCtx, session.ProviderParams{Price: params.Payment})
	}()

	reqRes := req.Run(ctx, params)
	if !reqRes.Succeeded() {
		cancelProv()
	}
	wg.Wait()

	a.record(ctx, provRes)
	a.record(ctx, reqRes)
	if err := printJSON(map[string]session.Result{"provider": provRes, "requester": reqRes}); err != nil {
		return err
	}
	if !reqRes.Succeeded() {
		return fmt.Errorf("requester failed at %s: %s", reqRes.FailedStage, reqRes.FailureReason)
	}
	return nil
}

// ----------------------------------------------------------------
// inspect command
// ----------------------------------------------------------------

func cmdInspect(ctx context.Context, args []string) error {
	fs, c := newFlagSet("inspect")
	response := fs.String("response", "", "response signature")
	proof := fs.String("proof", "", "proof signature")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: memopay inspect <request-sig> [--response sig] [--proof sig]")
	}
	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	requestSig, err := ledger.ParseSignature(fs.Arg(0))
	if err != nil {
		return err
	}
	responseSig, err := optionalSignature(*response)
	if err != nil {
		return err
	}
	proofSig, err := optionalSignature(*proof)
	if err != nil {
		return err
	}
	sess, err := session.Reconstruct(ctx, a.client, requestSig, responseSig, proofSig)
	if err != nil {
		return err
	}
	return printJSON(sess)
}
