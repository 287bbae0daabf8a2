package uprelay

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emmet-bot/openclaw-universalprofile-skill/internal/eip191"
)

// Policy selects the submission strategy for an execution.
type Policy string

const (
	// RelayThenDirect submits via the relay and falls back to the direct
	// path when the relay rejects the envelope. This is the default.
	RelayThenDirect Policy = "relay-then-direct"

	// DirectOnly submits on-chain on the controller's own gas.
	DirectOnly Policy = "direct-only"

	// RelayOnly submits via the relay and never pays gas: a relay rejection
	// is surfaced as fatal instead of silently falling back.
	RelayOnly Policy = "relay-only"
)

// ExecOptions parameterizes a single execution.
type ExecOptions struct {
	// Policy is the submission strategy. Empty uses the engine's default.
	Policy Policy

	// Channel selects the nonce channel. Logically independent action
	// streams should use distinct channels so they never contend for a
	// nonce.
	Channel uint32

	// Value is the native-currency amount accompanying the call, in wei.
	// Nil means zero.
	Value *big.Int

	// Validity restricts when the envelope may be executed. The zero value
	// is unrestricted.
	Validity ValidityWindow

	// SkipPermissionGate disables the local permission pre-check. The
	// authoritative check still happens on-chain at submission time.
	SkipPermissionGate bool
}

// Engine builds, signs, and dispatches relay call envelopes. The zero value
// is not usable; construct with NewEngine.
//
// Within one channel the engine serializes nonce acquisition through
// submission, so concurrent executions on the same channel never reuse a
// nonce. Executions on distinct channels proceed concurrently.
type Engine struct {
	cfg     Config
	signer  Signer
	account common.Address
	reader  ChainReader
	writer  ChainWriter
	relay   RelaySubmitter
	onEvent EventHandler

	mu       sync.Mutex
	channels map[uint32]*sync.Mutex
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithEventHandler installs a handler for execution lifecycle events.
func WithEventHandler(h EventHandler) EngineOption {
	return func(e *Engine) { e.onEvent = h }
}

// NewEngine constructs an execution engine for one controller acting on one
// account. writer may be nil for a relay-only engine and relay may be nil
// for a direct-only engine; dispatch fails cleanly when the selected policy
// needs a missing collaborator.
func NewEngine(cfg Config, signer Signer, account common.Address, reader ChainReader, writer ChainWriter, relay RelaySubmitter, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, fmt.Errorf("uprelay: engine requires a signer")
	}
	if reader == nil {
		return nil, fmt.Errorf("uprelay: engine requires a chain reader")
	}
	if account == (common.Address{}) {
		return nil, fmt.Errorf("uprelay: engine requires an account address")
	}
	e := &Engine{
		cfg:      cfg,
		signer:   signer,
		account:  account,
		reader:   reader,
		writer:   writer,
		relay:    relay,
		channels: make(map[uint32]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Account returns the profile the engine acts on.
func (e *Engine) Account() common.Address { return e.account }

// Controller returns the signing key's address.
func (e *Engine) Controller() common.Address { return e.signer.Address() }

// Execute encodes the typed call, checks permissions, builds and signs an
// envelope with a fresh nonce, and dispatches it per the selected policy.
func (e *Engine) Execute(ctx context.Context, call Call, opts ExecOptions) (*ExecutionResult, error) {
	payload, err := call.Encode()
	if err != nil {
		return nil, err
	}
	required := append([]Permission{PermExecuteRelayCall}, call.RequiredPermissions()...)
	if opts.Value != nil && opts.Value.Sign() > 0 {
		required = append(required, PermTransferValue)
	}
	return e.execute(ctx, payload, required, opts)
}

// ExecutePayload is Execute for a pre-encoded, opaque call payload. Only the
// relay execution permission is pre-checked; payload-specific bits are left
// to the on-chain check.
func (e *Engine) ExecutePayload(ctx context.Context, payload []byte, opts ExecOptions) (*ExecutionResult, error) {
	return e.execute(ctx, payload, []Permission{PermExecuteRelayCall}, opts)
}

func (e *Engine) execute(ctx context.Context, payload []byte, required []Permission, opts ExecOptions) (*ExecutionResult, error) {
	if !opts.SkipPermissionGate {
		if err := e.checkPermissions(ctx, required); err != nil {
			return nil, err
		}
	}

	// Serialize nonce acquisition through submission per channel.
	lock := e.channelLock(opts.Channel)
	lock.Lock()
	defer lock.Unlock()

	env, err := e.buildAndSign(ctx, payload, opts)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, env, e.policy(opts.Policy))
}

// Sign builds and signs an envelope without submitting it, for callers that
// transport envelopes elsewhere before submission. The nonce is read fresh;
// submitting the envelope later goes through Submit, which re-checks
// freshness.
func (e *Engine) Sign(ctx context.Context, payload []byte, opts ExecOptions) (*SignedEnvelope, error) {
	lock := e.channelLock(opts.Channel)
	lock.Lock()
	defer lock.Unlock()
	return e.buildAndSign(ctx, payload, opts)
}

// Submit dispatches a previously signed envelope. The envelope's nonce is
// re-checked against chain state first: an envelope whose nonce was already
// consumed fails with ErrNonceStale instead of being resubmitted.
func (e *Engine) Submit(ctx context.Context, env *SignedEnvelope, policy Policy) (*ExecutionResult, error) {
	if env == nil || len(env.Signature) != eip191.SignatureLength {
		return nil, NewExecutionError(CodeInvalidEnvelope, "envelope is missing a 65-byte signature", ErrInvalidEnvelope)
	}
	if env.Validity.NotAfter != 0 && uint64(time.Now().Unix()) > env.Validity.NotAfter {
		return nil, NewExecutionError(CodeValidityExpired,
			fmt.Sprintf("validity window ended at %d", env.Validity.NotAfter), ErrValidityExpired)
	}

	readCtx, cancel := e.boundCtx(ctx, e.cfg.Timeouts.ReadTimeout)
	current, err := e.reader.Nonce(readCtx, env.Validator, env.Signer, env.Channel)
	cancel()
	if err != nil {
		return nil, NewExecutionError(CodeNetworkError, "reading current nonce failed", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err))
	}
	if current.Cmp(env.Nonce) != 0 {
		return nil, NewExecutionError(CodeNonceStale,
			fmt.Sprintf("envelope nonce %s is not the current nonce %s on channel %d", env.Nonce, current, env.Channel),
			ErrNonceStale)
	}

	return e.dispatch(ctx, env, e.policy(policy))
}

// Quota returns the relay service's remaining allowance for the account.
func (e *Engine) Quota(ctx context.Context) (*QuotaInfo, error) {
	if e.relay == nil {
		return nil, fmt.Errorf("uprelay: engine has no relay submitter")
	}
	quotaCtx, cancel := e.boundCtx(ctx, e.cfg.Timeouts.QuotaTimeout)
	defer cancel()
	return e.relay.Quota(quotaCtx, e.account, e.signer)
}

func (e *Engine) policy(p Policy) Policy {
	if p != "" {
		return p
	}
	if e.cfg.DefaultPolicy != "" {
		return e.cfg.DefaultPolicy
	}
	return RelayThenDirect
}

func (e *Engine) checkPermissions(ctx context.Context, required []Permission) error {
	readCtx, cancel := e.boundCtx(ctx, e.cfg.Timeouts.ReadTimeout)
	defer cancel()

	mask, err := e.reader.Permissions(readCtx, e.account, e.signer.Address())
	if err != nil {
		return NewExecutionError(CodeNetworkError, "reading permissions failed", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err))
	}
	missing := mask.Missing(required...)
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	for i, p := range missing {
		names[i] = p.Name()
	}
	return NewExecutionError(CodePermissionDenied,
		fmt.Sprintf("controller %s lacks %s on %s", e.signer.Address(), names[0], e.account),
		ErrPermissionDenied).WithDetails("missingPermissions", names)
}

// buildAndSign resolves the validator, reads a fresh nonce, encodes and
// signs the envelope, and verifies the signature locally. Every failure here
// happens before any submission.
func (e *Engine) buildAndSign(ctx context.Context, payload []byte, opts ExecOptions) (*SignedEnvelope, error) {
	readCtx, cancel := e.boundCtx(ctx, e.cfg.Timeouts.ReadTimeout)
	defer cancel()

	// The validator is resolved per execution: an account may change its
	// key manager between calls.
	validator, err := e.reader.ValidatorOf(readCtx, e.account)
	if err != nil {
		return nil, NewExecutionError(CodeNetworkError, "resolving key manager failed", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err))
	}

	nonce, err := e.reader.Nonce(readCtx, validator, e.signer.Address(), opts.Channel)
	if err != nil {
		return nil, NewExecutionError(CodeNetworkError, "reading nonce failed", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err))
	}

	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}
	env := Envelope{
		Version:  RelayCallVersion,
		ChainID:  e.cfg.ChainID,
		Nonce:    nonce,
		Channel:  opts.Channel,
		Validity: opts.Validity,
		Value:    value,
		Payload:  payload,
	}

	digest, err := env.Digest(validator)
	if err != nil {
		return nil, err
	}

	sig, err := e.signer.SignDigest(digest)
	if err != nil {
		return nil, err
	}

	recovered, err := eip191.RecoverSigner(digest, sig)
	if err != nil {
		return nil, NewExecutionError(CodeSignatureMismatch, "signature does not recover", fmt.Errorf("%w: %v", ErrSignatureMismatch, err))
	}
	if recovered != e.signer.Address() {
		return nil, NewExecutionError(CodeSignatureMismatch,
			fmt.Sprintf("signature recovers to %s, expected controller %s", recovered, e.signer.Address()),
			ErrSignatureMismatch)
	}

	return &SignedEnvelope{
		Envelope:  env,
		Signature: sig,
		Digest:    digest,
		Signer:    recovered,
		Account:   e.account,
		Validator: validator,
	}, nil
}

// dispatch routes a signed envelope per policy. A relay rejection eligible
// for fallback (unauthorized controller or exhausted quota) is retried once
// on the direct path with the identical envelope; the direct path is never
// attempted twice for one nonce.
func (e *Engine) dispatch(ctx context.Context, env *SignedEnvelope, policy Policy) (*ExecutionResult, error) {
	switch policy {
	case DirectOnly:
		return e.submitDirect(ctx, env)
	case RelayOnly:
		return e.submitRelay(ctx, env)
	case RelayThenDirect:
		res, err := e.submitRelay(ctx, env)
		if err != nil && fallbackEligible(err) {
			e.emit(ExecutionEvent{Type: EventFallback, Path: PathDirect, Account: env.Account, Channel: env.Channel, Nonce: env.Nonce.String(), Code: CodeOf(err)})
			return e.submitDirect(ctx, env)
		}
		return res, err
	default:
		return nil, fmt.Errorf("uprelay: unknown policy %q", policy)
	}
}

func (e *Engine) submitRelay(ctx context.Context, env *SignedEnvelope) (*ExecutionResult, error) {
	if e.relay == nil {
		return nil, fmt.Errorf("uprelay: policy needs a relay submitter but none is configured")
	}
	e.emit(ExecutionEvent{Type: EventAttempt, Path: PathRelay, Account: env.Account, Channel: env.Channel, Nonce: env.Nonce.String()})

	relayCtx, cancel := e.boundCtx(ctx, e.cfg.Timeouts.RelayTimeout)
	defer cancel()

	txHash, err := e.relay.Execute(relayCtx, env)
	if err != nil {
		err = classifyTransport(err)
		e.emit(ExecutionEvent{Type: EventFailure, Path: PathRelay, Account: env.Account, Channel: env.Channel, Nonce: env.Nonce.String(), Code: CodeOf(err), Error: err.Error()})
		return &ExecutionResult{Outcome: OutcomeFailed, Path: PathRelay, FailureClass: CodeOf(err)}, err
	}

	e.emit(ExecutionEvent{Type: EventSuccess, Path: PathRelay, Account: env.Account, Channel: env.Channel, Nonce: env.Nonce.String(), TxHash: txHash})
	return &ExecutionResult{Outcome: OutcomeSuccess, Path: PathRelay, TxHash: txHash}, nil
}

func (e *Engine) submitDirect(ctx context.Context, env *SignedEnvelope) (*ExecutionResult, error) {
	if e.writer == nil {
		return nil, fmt.Errorf("uprelay: policy needs a chain writer but none is configured")
	}
	if env.Validity.NotAfter != 0 && uint64(time.Now().Unix()) > env.Validity.NotAfter {
		err := NewExecutionError(CodeValidityExpired,
			fmt.Sprintf("validity window ended at %d", env.Validity.NotAfter), ErrValidityExpired)
		return &ExecutionResult{Outcome: OutcomeFailed, Path: PathDirect, FailureClass: CodeValidityExpired}, err
	}
	e.emit(ExecutionEvent{Type: EventAttempt, Path: PathDirect, Account: env.Account, Channel: env.Channel, Nonce: env.Nonce.String()})

	directCtx, cancel := e.boundCtx(ctx, e.cfg.Timeouts.SubmitTimeout+e.cfg.Timeouts.ReceiptTimeout)
	defer cancel()

	res, err := e.writer.ExecuteRelayCall(directCtx, env)
	if err != nil {
		err = classifyTransport(err)
		e.emit(ExecutionEvent{Type: EventFailure, Path: PathDirect, Account: env.Account, Channel: env.Channel, Nonce: env.Nonce.String(), Code: CodeOf(err), Error: err.Error()})
		if res == nil {
			res = &ExecutionResult{Outcome: OutcomeFailed, Path: PathDirect, FailureClass: CodeOf(err)}
		}
		return res, err
	}

	e.emit(ExecutionEvent{Type: EventSuccess, Path: PathDirect, Account: env.Account, Channel: env.Channel, Nonce: env.Nonce.String(), TxHash: res.TxHash})
	return res, nil
}

// boundCtx applies d as a timeout only when ctx carries no deadline of its
// own.
func (e *Engine) boundCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (e *Engine) channelLock(channel uint32) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.channels[channel]
	if !ok {
		lock = &sync.Mutex{}
		e.channels[channel] = lock
	}
	return lock
}

func (e *Engine) emit(ev ExecutionEvent) {
	if e.onEvent == nil {
		return
	}
	ev.Timestamp = time.Now()
	e.onEvent(ev)
}

// fallbackEligible reports whether a relay rejection may be retried on the
// direct path: the relay refused to carry the envelope (unauthorized
// controller or exhausted quota) without having submitted it.
func fallbackEligible(err error) bool {
	switch CodeOf(err) {
	case CodeRelayUnauthorized, CodeQuotaExceeded:
		return true
	}
	return false
}

// classifyTransport wraps errors that escaped classification into the
// network-failure class, so callers never see raw transport errors.
func classifyTransport(err error) error {
	if CodeOf(err) != "" {
		return err
	}
	return NewExecutionError(CodeNetworkError, "submission failed; outcome unknown, do not reuse this nonce until checked",
		fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)).WithDetails("submitted", true)
}
