package uprelay

import (
	"fmt"
	"math/big"
	"time"
)

// TimeoutConfig holds timeout configuration for execution operations. Each
// timeout applies only when the caller's context carries no deadline of its
// own.
type TimeoutConfig struct {
	// ReadTimeout bounds chain reads (nonce, permissions, validator).
	ReadTimeout time.Duration

	// RelayTimeout bounds a relay submission request.
	RelayTimeout time.Duration

	// SubmitTimeout bounds sending a direct transaction.
	SubmitTimeout time.Duration

	// ReceiptTimeout bounds waiting for a direct transaction's inclusion.
	ReceiptTimeout time.Duration

	// QuotaTimeout bounds a relay quota query.
	QuotaTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for execution operations.
var DefaultTimeouts = TimeoutConfig{
	ReadTimeout:    10 * time.Second,
	RelayTimeout:   30 * time.Second,
	SubmitTimeout:  30 * time.Second,
	ReceiptTimeout: 2 * time.Minute,
	QuotaTimeout:   10 * time.Second,
}

// WithReadTimeout returns a new TimeoutConfig with updated read timeout.
func (tc TimeoutConfig) WithReadTimeout(d time.Duration) TimeoutConfig {
	tc.ReadTimeout = d
	return tc
}

// WithRelayTimeout returns a new TimeoutConfig with updated relay timeout.
func (tc TimeoutConfig) WithRelayTimeout(d time.Duration) TimeoutConfig {
	tc.RelayTimeout = d
	return tc
}

// WithReceiptTimeout returns a new TimeoutConfig with updated receipt
// timeout.
func (tc TimeoutConfig) WithReceiptTimeout(d time.Duration) TimeoutConfig {
	tc.ReceiptTimeout = d
	return tc
}

// Config is the explicitly constructed configuration the engine is created
// with. There is no ambient process state: credentials and endpoints enter
// here or not at all.
type Config struct {
	// ChainID is the chain every envelope is bound to.
	ChainID *big.Int

	// Timeouts bounds the engine's network operations.
	Timeouts TimeoutConfig

	// DefaultPolicy applies when ExecOptions.Policy is empty. Zero value is
	// RelayThenDirect.
	DefaultPolicy Policy
}

// Validate checks the configuration for required fields.
func (c Config) Validate() error {
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("uprelay: config requires a positive chain id")
	}
	switch c.DefaultPolicy {
	case "", RelayThenDirect, DirectOnly, RelayOnly:
	default:
		return fmt.Errorf("uprelay: unknown policy %q", c.DefaultPolicy)
	}
	return nil
}
