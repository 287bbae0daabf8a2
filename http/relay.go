// Package http provides the HTTP client for the relay service: gasless
// envelope submission and quota queries.
package http

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	uprelay "github.com/emmet-bot/openclaw-universalprofile-skill"
	"github.com/emmet-bot/openclaw-universalprofile-skill/internal/eip191"
	"github.com/emmet-bot/openclaw-universalprofile-skill/retry"
)

// AuthorizationProvider returns an Authorization header value per request,
// for dynamic tokens that may need to be refreshed. Providers are called on
// every request and must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// RelayClient is a client for a relay service that accepts signed envelopes
// and submits them on-chain on the signer's behalf.
type RelayClient struct {
	// BaseURL is the relay service URL (e.g.,
	// "https://relayer-api.mainnet.lukso.network/api").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil,
	// http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration for relay operations.
	Timeouts uprelay.TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for failed quota
	// queries (default: 0). Execute is never retried here: a failed
	// submission may already have been carried out, and replaying it is the
	// router's decision, not the transport's.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default:
	// 100ms). Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns an Authorization header value per
	// request. If set, this takes precedence over Authorization.
	AuthorizationProvider AuthorizationProvider
}

// Verify that RelayClient implements uprelay.RelaySubmitter.
var _ uprelay.RelaySubmitter = (*RelayClient)(nil)

type executeRequest struct {
	Address            string `json:"address"`
	Payload            string `json:"payload"`
	Signature          string `json:"signature"`
	Nonce              string `json:"nonce"`
	ValidityTimestamps string `json:"validityTimestamps"`
}

type executeResponse struct {
	TransactionHash string `json:"transactionHash"`
}

type quotaRequest struct {
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type quotaResponse struct {
	Quota      int64  `json:"quota"`
	TotalQuota int64  `json:"totalQuota"`
	Unit       string `json:"unit"`
	ResetDate  int64  `json:"resetDate"`
}

func (c *RelayClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *RelayClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

func (c *RelayClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// Execute submits a signed envelope to the relay. Rejections are classified:
// an authorization rejection or exhausted quota is returned as an
// *uprelay.ExecutionError the router can branch on.
func (c *RelayClient) Execute(ctx context.Context, env *uprelay.SignedEnvelope) (common.Hash, error) {
	reqBody := executeRequest{
		Address:            env.Account.Hex(),
		Payload:            hexutil.Encode(env.Payload),
		Signature:          hexutil.Encode(env.Signature),
		Nonce:              env.Nonce.String(),
		ValidityTimestamps: env.Validity.Pack().String(),
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.RelayTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.RelayTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/execute", bytes.NewReader(data))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		// The request may or may not have reached the relay; the nonce
		// must be treated as possibly consumed.
		return common.Hash{}, uprelay.NewExecutionError(uprelay.CodeNetworkError,
			"relay request failed; outcome unknown, do not reuse this nonce until checked",
			fmt.Errorf("%w: %v", uprelay.ErrNetworkUnavailable, err)).WithDetails("submitted", true)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return common.Hash{}, classifyStatus(httpResp)
	}

	var execResp executeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&execResp); err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode execute response: %w", err)
	}
	return common.HexToHash(execResp.TransactionHash), nil
}

// Quota returns the account's remaining gasless-execution allowance. Control
// of the account is proven with a signature over the account address and a
// current timestamp.
func (c *RelayClient) Quota(ctx context.Context, account common.Address, signer uprelay.Signer) (*uprelay.QuotaInfo, error) {
	timestamp := time.Now().Unix()
	sig, err := signQuotaRequest(signer, account, timestamp)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(quotaRequest{
		Address:   account.Hex(),
		Timestamp: timestamp,
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quota request: %w", err)
	}

	return retry.WithRetry(ctx, c.retryConfig(), isRelayUnavailableError, func() (*uprelay.QuotaInfo, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.QuotaTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.QuotaTimeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/quota", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Request-ID", uuid.NewString())
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", uprelay.ErrRelayUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, classifyStatus(httpResp)
		}

		var quotaResp quotaResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&quotaResp); err != nil {
			return nil, fmt.Errorf("failed to decode quota response: %w", err)
		}
		return &uprelay.QuotaInfo{
			Remaining: quotaResp.Quota,
			Total:     quotaResp.TotalQuota,
			Unit:      quotaResp.Unit,
			ResetAt:   time.Unix(quotaResp.ResetDate, 0),
		}, nil
	})
}

// signQuotaRequest signs account || timestamp (as a 32-byte big-endian word)
// under the generic personal-message scheme. This authenticates against the
// relay service only; it is unrelated to relay call digests.
func signQuotaRequest(signer uprelay.Signer, account common.Address, timestamp int64) ([]byte, error) {
	message := make([]byte, 0, common.AddressLength+32)
	message = append(message, account.Bytes()...)
	var ts [32]byte
	binary.BigEndian.PutUint64(ts[24:], uint64(timestamp))
	message = append(message, ts[:]...)
	return signer.SignDigest(eip191.PersonalMessageDigest(message))
}

// classifyStatus maps a non-success relay response onto the execution error
// taxonomy.
func classifyStatus(resp *http.Response) error {
	detail := errorDetail(resp)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return uprelay.NewExecutionError(uprelay.CodeRelayUnauthorized,
			"relay rejected controller as unauthorized"+detail, uprelay.ErrRelayUnauthorized).
			WithDetails("status", resp.StatusCode)
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		return uprelay.NewExecutionError(uprelay.CodeQuotaExceeded,
			"relay execution quota exceeded"+detail, uprelay.ErrQuotaExceeded).
			WithDetails("status", resp.StatusCode)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return uprelay.NewExecutionError(uprelay.CodeInvalidEnvelope,
			"relay rejected the envelope as malformed"+detail, uprelay.ErrInvalidEnvelope).
			WithDetails("status", resp.StatusCode)
	default:
		return uprelay.NewExecutionError(uprelay.CodeNetworkError,
			fmt.Sprintf("relay returned status %d%s", resp.StatusCode, detail),
			fmt.Errorf("%w: status %d", uprelay.ErrRelayUnavailable, resp.StatusCode)).
			WithDetails("status", resp.StatusCode)
	}
}

// errorDetail extracts a short error message from a relay error response.
func errorDetail(resp *http.Response) string {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if message, ok := errBody["error"].(string); ok && message != "" {
			return ": " + message
		}
		if message, ok := errBody["message"].(string); ok && message != "" {
			return ": " + message
		}
	}
	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return ": " + string(bodyBytes)
	}
	return ""
}

// isRelayUnavailableError checks if an error is a relay unavailable error.
// It uses errors.Is to properly detect wrapped errors.
func isRelayUnavailableError(err error) bool {
	return errors.Is(err, uprelay.ErrRelayUnavailable)
}
