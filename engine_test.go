package uprelay_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	uprelay "github.com/emmet-bot/openclaw-universalprofile-skill"
	"github.com/emmet-bot/openclaw-universalprofile-skill/internal/eip191"
	"github.com/emmet-bot/openclaw-universalprofile-skill/signer"
)

var (
	testAccount   = common.HexToAddress("0x00C0FFEE0000000000000000000000000000AccD")
	testValidator = common.HexToAddress("0x00BEEF00000000000000000000000000000000AA")
	testTarget    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// fakeChain is an in-memory stand-in for the key manager and account state:
// per-channel nonce counters, a permission mask, and a registered validator.
type fakeChain struct {
	mu         sync.Mutex
	validator  common.Address
	mask       uprelay.Permissions
	counters   map[uint32]uint64
	submitted  []submission
	writerErr  error
	nonceCalls int
}

type submission struct {
	channel uint32
	nonce   string
}

func newFakeChain(mask uprelay.Permissions) *fakeChain {
	return &fakeChain{
		validator: testValidator,
		mask:      mask,
		counters:  make(map[uint32]uint64),
	}
}

// currentNonce mirrors the on-chain layout: channel id in the upper 128
// bits, the per-channel counter in the lower 128 bits.
func (f *fakeChain) currentNonce(channel uint32) *big.Int {
	nonce := new(big.Int).Lsh(new(big.Int).SetUint64(uint64(channel)), 128)
	return nonce.Add(nonce, new(big.Int).SetUint64(f.counters[channel]))
}

func (f *fakeChain) setCounter(channel uint32, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[channel] = v
}

func (f *fakeChain) Nonce(_ context.Context, validator, _ common.Address, channel uint32) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	if validator != f.validator {
		return nil, fmt.Errorf("unexpected validator %s", validator)
	}
	return f.currentNonce(channel), nil
}

func (f *fakeChain) Permissions(_ context.Context, _, _ common.Address) (uprelay.Permissions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mask, nil
}

func (f *fakeChain) ValidatorOf(_ context.Context, _ common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validator, nil
}

// ExecuteRelayCall emulates the key manager: it verifies signature recovery
// and nonce freshness, then consumes the nonce.
func (f *fakeChain) ExecuteRelayCall(_ context.Context, env *uprelay.SignedEnvelope) (*uprelay.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writerErr != nil {
		return nil, f.writerErr
	}

	recovered, err := eip191.RecoverSigner(env.Digest, env.Signature)
	if err != nil || recovered != env.Signer {
		return nil, uprelay.NewExecutionError(uprelay.CodeRelayUnauthorized, "signature does not recover", uprelay.ErrRelayUnauthorized)
	}
	if f.currentNonce(env.Channel).Cmp(env.Nonce) != 0 {
		return &uprelay.ExecutionResult{Outcome: uprelay.OutcomeFailed, Path: uprelay.PathDirect, FailureClass: uprelay.CodeNonceStale},
			uprelay.NewExecutionError(uprelay.CodeNonceStale, "nonce already consumed", uprelay.ErrNonceStale)
	}

	f.counters[env.Channel]++
	f.submitted = append(f.submitted, submission{channel: env.Channel, nonce: env.Nonce.String()})
	return &uprelay.ExecutionResult{
		Outcome: uprelay.OutcomeSuccess,
		TxHash:  crypto.Keccak256Hash(env.Signature),
		GasUsed: 91000,
		Path:    uprelay.PathDirect,
	}, nil
}

// fakeRelay is a scripted relay submitter.
type fakeRelay struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeRelay) Execute(_ context.Context, env *uprelay.SignedEnvelope) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return crypto.Keccak256Hash(append([]byte("relay"), env.Signature...)), nil
}

func (f *fakeRelay) Quota(_ context.Context, _ common.Address, _ uprelay.Signer) (*uprelay.QuotaInfo, error) {
	return &uprelay.QuotaInfo{Remaining: 100, Total: 1000, Unit: "gas"}, nil
}

func fullMask() uprelay.Permissions {
	return uprelay.PermissionsFromBits(
		uprelay.PermExecuteRelayCall, uprelay.PermCall, uprelay.PermTransferValue,
		uprelay.PermStaticCall, uprelay.PermSetData, uprelay.PermDeploy,
	)
}

func newTestEngine(t *testing.T, chain *fakeChain, relay uprelay.RelaySubmitter, opts ...uprelay.EngineOption) (*uprelay.Engine, *signer.Controller) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	ctrl := signer.NewControllerFromKey(key)
	cfg := uprelay.Config{ChainID: big.NewInt(42), Timeouts: uprelay.DefaultTimeouts}
	engine, err := uprelay.NewEngine(cfg, ctrl, testAccount, chain, chain, relay, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, ctrl
}

func TestEngine_Execute_DirectOnly(t *testing.T) {
	chain := newFakeChain(fullMask())
	chain.setCounter(0, 5)
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	call := uprelay.SetData(common.HexToHash("0x01"), nil) // no-op data write
	result, err := engine.Execute(context.Background(), call, uprelay.ExecOptions{Policy: uprelay.DirectOnly})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Outcome != uprelay.OutcomeSuccess {
		t.Errorf("Expected success, got %s (%s)", result.Outcome, result.FailureClass)
	}
	if result.TxHash == (common.Hash{}) {
		t.Error("Expected a transaction reference")
	}
	if result.GasUsed == 0 {
		t.Error("Expected a gas consumption figure")
	}
	if result.Path != uprelay.PathDirect {
		t.Errorf("Expected direct path, got %s", result.Path)
	}

	if len(chain.submitted) != 1 {
		t.Fatalf("Expected exactly one on-chain attempt, got %d", len(chain.submitted))
	}
	if chain.submitted[0].nonce != "5" {
		t.Errorf("Expected nonce 5, got %s", chain.submitted[0].nonce)
	}
}

func TestEngine_Execute_SignedEnvelopeShape(t *testing.T) {
	chain := newFakeChain(fullMask())
	chain.setCounter(0, 5)
	engine, ctrl := newTestEngine(t, chain, &fakeRelay{})

	payload, err := uprelay.SetData(common.HexToHash("0x01"), nil).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	env, err := engine.Sign(context.Background(), payload, uprelay.ExecOptions{})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if env.Version != uprelay.RelayCallVersion {
		t.Errorf("Expected version %d, got %d", uprelay.RelayCallVersion, env.Version)
	}
	if env.ChainID.Int64() != 42 {
		t.Errorf("Expected chain id 42, got %s", env.ChainID)
	}
	if env.Nonce.String() != "5" {
		t.Errorf("Expected nonce 5, got %s", env.Nonce)
	}
	if len(env.Signature) != 65 {
		t.Errorf("Expected 65-byte signature, got %d bytes", len(env.Signature))
	}
	if env.Validator != testValidator {
		t.Errorf("Expected validator %s, got %s", testValidator, env.Validator)
	}

	digest, err := env.Envelope.Digest(env.Validator)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if digest != env.Digest {
		t.Error("Stored digest does not match recomputed digest")
	}
	recovered, err := eip191.RecoverSigner(env.Digest, env.Signature)
	if err != nil {
		t.Fatalf("RecoverSigner failed: %v", err)
	}
	if recovered != ctrl.Address() {
		t.Errorf("Signature recovers to %s, expected controller %s", recovered, ctrl.Address())
	}
}

func TestEngine_Execute_RelayFallback(t *testing.T) {
	chain := newFakeChain(fullMask())
	relay := &fakeRelay{err: uprelay.NewExecutionError(uprelay.CodeRelayUnauthorized, "controller not allowlisted", uprelay.ErrRelayUnauthorized)}

	var events []uprelay.ExecutionEvent
	engine, _ := newTestEngine(t, chain, relay, uprelay.WithEventHandler(func(ev uprelay.ExecutionEvent) {
		events = append(events, ev)
	}))

	result, err := engine.Execute(context.Background(), uprelay.ContractCall(testTarget, nil, []byte{0x01}), uprelay.ExecOptions{Policy: uprelay.RelayThenDirect})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Outcome != uprelay.OutcomeSuccess {
		t.Fatalf("Expected success after fallback, got %s", result.Outcome)
	}
	if result.Path != uprelay.PathDirect {
		t.Errorf("Expected direct path result, got %s", result.Path)
	}

	if relay.calls != 1 {
		t.Errorf("Expected one relay attempt, got %d", relay.calls)
	}
	if len(chain.submitted) != 1 {
		t.Fatalf("Expected exactly one on-chain attempt, got %d", len(chain.submitted))
	}

	var types []uprelay.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	expected := []uprelay.EventType{uprelay.EventAttempt, uprelay.EventFailure, uprelay.EventFallback, uprelay.EventAttempt, uprelay.EventSuccess}
	if len(types) != len(expected) {
		t.Fatalf("Expected events %v, got %v", expected, types)
	}
	for i := range expected {
		if types[i] != expected[i] {
			t.Fatalf("Expected events %v, got %v", expected, types)
		}
	}
}

func TestEngine_Execute_FallbackReusesNonce(t *testing.T) {
	chain := newFakeChain(fullMask())
	chain.setCounter(0, 9)
	relay := &fakeRelay{err: uprelay.NewExecutionError(uprelay.CodeRelayUnauthorized, "unauthorized", uprelay.ErrRelayUnauthorized)}
	engine, _ := newTestEngine(t, chain, relay)

	if _, err := engine.Execute(context.Background(), uprelay.ContractCall(testTarget, nil, []byte{0x01}), uprelay.ExecOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The direct fallback must carry the identical nonce the relay saw.
	if len(chain.submitted) != 1 || chain.submitted[0].nonce != "9" {
		t.Errorf("Expected single direct attempt with nonce 9, got %+v", chain.submitted)
	}
}

func TestEngine_Execute_QuotaFallback(t *testing.T) {
	chain := newFakeChain(fullMask())
	relay := &fakeRelay{err: uprelay.NewExecutionError(uprelay.CodeQuotaExceeded, "quota exhausted", uprelay.ErrQuotaExceeded)}
	engine, _ := newTestEngine(t, chain, relay)

	result, err := engine.Execute(context.Background(), uprelay.ContractCall(testTarget, nil, []byte{0x01}), uprelay.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Outcome != uprelay.OutcomeSuccess || result.Path != uprelay.PathDirect {
		t.Errorf("Expected direct-path success after quota fallback, got %s on %s", result.Outcome, result.Path)
	}
}

func TestEngine_Execute_RelayOnly_Unauthorized(t *testing.T) {
	chain := newFakeChain(fullMask())
	relay := &fakeRelay{err: uprelay.NewExecutionError(uprelay.CodeRelayUnauthorized, "unauthorized", uprelay.ErrRelayUnauthorized)}
	engine, _ := newTestEngine(t, chain, relay)

	result, err := engine.Execute(context.Background(), uprelay.ContractCall(testTarget, nil, []byte{0x01}), uprelay.ExecOptions{Policy: uprelay.RelayOnly})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, uprelay.ErrRelayUnauthorized) {
		t.Errorf("Expected ErrRelayUnauthorized, got %v", err)
	}
	if uprelay.CodeOf(err) != uprelay.CodeRelayUnauthorized {
		t.Errorf("Expected code RELAY_UNAUTHORIZED, got %s", uprelay.CodeOf(err))
	}
	if result == nil || result.Outcome != uprelay.OutcomeFailed {
		t.Error("Expected a failed result")
	}

	// Relay-only must never silently pay gas.
	if len(chain.submitted) != 0 {
		t.Errorf("Expected no on-chain attempt, got %d", len(chain.submitted))
	}
}

func TestEngine_Submit_NonceStale(t *testing.T) {
	chain := newFakeChain(fullMask())
	chain.setCounter(0, 3)
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	payload, err := uprelay.SetData(common.HexToHash("0x01"), []byte{0x01}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	env, err := engine.Sign(context.Background(), payload, uprelay.ExecOptions{})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// First submission succeeds and consumes the nonce.
	result, err := engine.Submit(context.Background(), env, uprelay.DirectOnly)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Outcome != uprelay.OutcomeSuccess {
		t.Fatalf("Expected success, got %s", result.Outcome)
	}

	// Resubmitting the same envelope must fail loudly, not silently succeed.
	for _, policy := range []uprelay.Policy{uprelay.DirectOnly, uprelay.RelayThenDirect} {
		_, err := engine.Submit(context.Background(), env, policy)
		if !errors.Is(err, uprelay.ErrNonceStale) {
			t.Errorf("Policy %s: expected ErrNonceStale, got %v", policy, err)
		}
	}
	if len(chain.submitted) != 1 {
		t.Errorf("Expected exactly one on-chain attempt, got %d", len(chain.submitted))
	}
}

func TestEngine_Execute_PermissionDenied(t *testing.T) {
	mask := uprelay.PermissionsFromBits(uprelay.PermExecuteRelayCall, uprelay.PermSetData)
	chain := newFakeChain(mask)
	relay := &fakeRelay{}
	engine, _ := newTestEngine(t, chain, relay)

	_, err := engine.Execute(context.Background(), uprelay.ContractCall(testTarget, nil, []byte{0x01}), uprelay.ExecOptions{})
	if !errors.Is(err, uprelay.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}

	// The failure names the missing capability.
	var execErr *uprelay.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatal("Expected an ExecutionError")
	}
	missing, _ := execErr.Details["missingPermissions"].([]string)
	if len(missing) != 1 || missing[0] != "CALL" {
		t.Errorf("Expected missing permission CALL, got %v", missing)
	}

	// The gate short-circuits before signing and before any network call.
	if relay.calls != 0 || len(chain.submitted) != 0 {
		t.Error("Expected no submission attempt after a gate failure")
	}
	if chain.nonceCalls != 0 {
		t.Error("Expected no nonce fetch after a gate failure")
	}
}

func TestEngine_Execute_SuperPermissionSatisfiesRestricted(t *testing.T) {
	mask := uprelay.PermissionsFromBits(uprelay.PermExecuteRelayCall, uprelay.PermSuperCall)
	chain := newFakeChain(mask)
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	result, err := engine.Execute(context.Background(), uprelay.ContractCall(testTarget, nil, []byte{0x01}), uprelay.ExecOptions{Policy: uprelay.DirectOnly})
	if err != nil {
		t.Fatalf("Expected SUPER_CALL to satisfy a CALL requirement, got %v", err)
	}
	if result.Outcome != uprelay.OutcomeSuccess {
		t.Errorf("Expected success, got %s", result.Outcome)
	}
}

func TestEngine_Execute_ValueRequiresTransferPermission(t *testing.T) {
	mask := uprelay.PermissionsFromBits(uprelay.PermExecuteRelayCall, uprelay.PermCall)
	chain := newFakeChain(mask)
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	_, err := engine.Execute(context.Background(), uprelay.ContractCall(testTarget, nil, []byte{0x01}),
		uprelay.ExecOptions{Value: big.NewInt(1)})
	if !errors.Is(err, uprelay.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	var execErr *uprelay.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatal("Expected an ExecutionError")
	}
	missing, _ := execErr.Details["missingPermissions"].([]string)
	if len(missing) != 1 || missing[0] != "TRANSFERVALUE" {
		t.Errorf("Expected missing permission TRANSFERVALUE, got %v", missing)
	}
}

func TestEngine_ChannelIndependence(t *testing.T) {
	chain := newFakeChain(fullMask())
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	const perChannel = 5
	var wg sync.WaitGroup
	errs := make(chan error, 2*perChannel)
	for _, channel := range []uint32{0, 1} {
		wg.Add(1)
		go func(ch uint32) {
			defer wg.Done()
			for i := 0; i < perChannel; i++ {
				_, err := engine.Execute(context.Background(), uprelay.SetData(common.HexToHash("0x01"), []byte{byte(i)}),
					uprelay.ExecOptions{Policy: uprelay.DirectOnly, Channel: ch})
				if err != nil {
					errs <- err
					return
				}
			}
		}(channel)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Execute failed: %v", err)
	}

	seen := make(map[string]bool)
	perChannelCount := make(map[uint32]int)
	for _, s := range chain.submitted {
		key := fmt.Sprintf("%d/%s", s.channel, s.nonce)
		if seen[key] {
			t.Fatalf("Nonce %s reused on channel %d", s.nonce, s.channel)
		}
		seen[key] = true
		perChannelCount[s.channel]++
	}
	if perChannelCount[0] != perChannel || perChannelCount[1] != perChannel {
		t.Errorf("Expected %d submissions per channel, got %v", perChannel, perChannelCount)
	}
}

func TestEngine_SameChannelSerialized(t *testing.T) {
	chain := newFakeChain(fullMask())
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Execute(context.Background(), uprelay.SetData(common.HexToHash("0x02"), []byte{0x01}),
				uprelay.ExecOptions{Policy: uprelay.DirectOnly})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	seen := make(map[string]bool)
	for _, s := range chain.submitted {
		if seen[s.nonce] {
			t.Fatalf("Nonce %s used twice on channel 0", s.nonce)
		}
		seen[s.nonce] = true
	}
	if len(chain.submitted) != attempts {
		t.Errorf("Expected %d submissions, got %d", attempts, len(chain.submitted))
	}
}

// badSigner signs with a key unrelated to the address it reports.
type badSigner struct {
	address common.Address
	inner   *signer.Controller
}

func (b *badSigner) Address() common.Address { return b.address }

func (b *badSigner) SignDigest(digest common.Hash) ([]byte, error) {
	return b.inner.SignDigest(digest)
}

func TestEngine_SignatureMismatchIsFatal(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	bad := &badSigner{
		address: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		inner:   signer.NewControllerFromKey(key),
	}

	chain := newFakeChain(fullMask())
	relay := &fakeRelay{}
	cfg := uprelay.Config{ChainID: big.NewInt(42), Timeouts: uprelay.DefaultTimeouts}
	engine, err := uprelay.NewEngine(cfg, bad, testAccount, chain, chain, relay)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	_, err = engine.Execute(context.Background(), uprelay.SetData(common.HexToHash("0x01"), nil),
		uprelay.ExecOptions{SkipPermissionGate: true})
	if !errors.Is(err, uprelay.ErrSignatureMismatch) {
		t.Fatalf("Expected ErrSignatureMismatch, got %v", err)
	}

	// Self-inconsistency is a caller-side bug: nothing must reach the
	// network.
	if relay.calls != 0 || len(chain.submitted) != 0 {
		t.Error("Expected no submission after a signature mismatch")
	}
}

func TestEngine_Submit_ValidityExpired(t *testing.T) {
	chain := newFakeChain(fullMask())
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	payload, err := uprelay.SetData(common.HexToHash("0x01"), nil).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	env, err := engine.Sign(context.Background(), payload, uprelay.ExecOptions{
		Validity: uprelay.ValidityWindow{NotAfter: 1}, // long past
	})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	_, err = engine.Submit(context.Background(), env, uprelay.DirectOnly)
	if !errors.Is(err, uprelay.ErrValidityExpired) {
		t.Fatalf("Expected ErrValidityExpired, got %v", err)
	}
	if len(chain.submitted) != 0 {
		t.Error("Expected no submission of an expired envelope")
	}
}

func TestEngine_Quota(t *testing.T) {
	chain := newFakeChain(fullMask())
	engine, _ := newTestEngine(t, chain, &fakeRelay{})

	quota, err := engine.Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota failed: %v", err)
	}
	if quota.Remaining != 100 || quota.Total != 1000 {
		t.Errorf("Unexpected quota %+v", quota)
	}
}
