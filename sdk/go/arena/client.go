// Package arena is a Go client for the IntentArena REST API.
package arena

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

const (
	headerCallerAddress   = "X-Caller-Address"
	headerCallerSignature = "X-Caller-Signature"
	headerCallerTimestamp = "X-Caller-Timestamp"
	headerCallerNonce     = "X-Caller-Nonce"
)

// Intent describes a swap request submitted to a competition.
type Intent struct {
	TokenIn        string          `json:"token_in"`
	TokenOut       string          `json:"token_out"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	MinAmountOut   decimal.Decimal `json:"min_amount_out"`
	MaxSlippageBps uint32          `json:"max_slippage_bps"`
	MaxGasCostUSD  decimal.Decimal `json:"max_gas_cost_usd"`
	Deadline       int64           `json:"deadline,omitempty"`
}

// Proposal is a scored solver quote.
type Proposal struct {
	Solver          string          `json:"solver"`
	KnownSolver     bool            `json:"known_solver"`
	ExpectedOutput  decimal.Decimal `json:"expected_output"`
	ExpectedCostUSD decimal.Decimal `json:"expected_cost_usd"`
	Confidence      float64         `json:"confidence"`
	Score           float64         `json:"score"`
	Valid           bool            `json:"valid"`
	SlippageBps     int64           `json:"slippage_bps"`
	Rationale       string          `json:"rationale"`
	Route           []string        `json:"route"`
	Fingerprint     string          `json:"fingerprint"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the server payload so Analyze can send it back intact.
func (p *Proposal) UnmarshalJSON(b []byte) error {
	type plain Proposal
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Proposal(v)
	p.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Proposal) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	type plain Proposal
	return json.Marshal(plain(p))
}

// Refusal explains why no winner was selected.
type Refusal struct {
	Reason            string         `json:"reason"`
	FailedConstraints []string       `json:"failed_constraints,omitempty"`
	ConstraintCounts  map[string]int `json:"constraint_counts,omitempty"`
	Hints             []string       `json:"hints"`
}

// Assessment is the risk label given to one solver.
type Assessment struct {
	Solver string `json:"solver"`
	Label  string `json:"label"`
	Reason string `json:"reason,omitempty"`
}

// RiskAnalysis is the outcome of the risk gate.
type RiskAnalysis struct {
	Analyzed       bool         `json:"analyzed"`
	Assessments    []Assessment `json:"assessments"`
	Recommendation string       `json:"recommendation,omitempty"`
	Note           string       `json:"note,omitempty"`
}

// Result is returned by Compete and Simulate.
type Result struct {
	RunID       string       `json:"run_id,omitempty"`
	DryRun      bool         `json:"dry_run"`
	Proposals   []Proposal   `json:"proposals"`
	Winner      *Proposal    `json:"winner"`
	WinnerLabel string       `json:"winner_label,omitempty"`
	Override    bool         `json:"override"`
	Refusal     *Refusal     `json:"refusal,omitempty"`
	Risk        RiskAnalysis `json:"risk_analysis"`
	CreatedAt   time.Time    `json:"created_at"`
}

// TokenInfo is token metadata with a USD price.
type TokenInfo struct {
	Address  string          `json:"address"`
	Symbol   string          `json:"symbol"`
	Name     string          `json:"name"`
	Decimals uint8           `json:"decimals,omitempty"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	Source   string          `json:"source"`
	Tier     string          `json:"tier,omitempty"`
}

// SolverReputation aggregates a solver's competition record.
type SolverReputation struct {
	Solver     string    `json:"solver"`
	Total      int       `json:"total"`
	Safe       int       `json:"safe"`
	Danger     int       `json:"danger"`
	Wins       int       `json:"wins"`
	AvgScore   float64   `json:"avg_score"`
	WinRate    float64   `json:"win_rate"`
	SafetyRate float64   `json:"safety_rate"`
	LastSeen   time.Time `json:"last_seen"`
}

// CreateIntentParams locks AmountIn of TokenIn in escrow.
type CreateIntentParams struct {
	TokenIn        string   `json:"token_in"`
	TokenOut       string   `json:"token_out"`
	AmountIn       *big.Int `json:"amount_in"`
	MinAmountOut   *big.Int `json:"min_amount_out"`
	MaxSlippageBps uint32   `json:"max_slippage_bps"`
	MaxGasCost     *big.Int `json:"max_gas_cost"`
	Deadline       int64    `json:"deadline"`
}

// LedgerIntent is an escrowed intent as stored by the ledger.
type LedgerIntent struct {
	ID             uint64         `json:"id"`
	Owner          common.Address `json:"owner"`
	TokenIn        string         `json:"token_in"`
	TokenOut       string         `json:"token_out"`
	AmountIn       *big.Int       `json:"amount_in"`
	MinAmountOut   *big.Int       `json:"min_amount_out"`
	MaxSlippageBps uint32         `json:"max_slippage_bps"`
	MaxGasCost     *big.Int       `json:"max_gas_cost"`
	Deadline       int64          `json:"deadline"`
	Status         string         `json:"status"`
	Winner         common.Address `json:"winner,omitempty"`
	AmountOut      *big.Int       `json:"amount_out,omitempty"`
	Fingerprint    hexutil.Bytes  `json:"fingerprint,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// SettlementRequest queues an asynchronous fill.
type SettlementRequest struct {
	ID             string `json:"id,omitempty"`
	IntentID       uint64 `json:"intent_id"`
	DeclaredOutput string `json:"declared_output"`
	Fingerprint    string `json:"fingerprint"`
	RunID          string `json:"run_id,omitempty"`
}

// Settlement is the state of a queued fill.
type Settlement struct {
	ID             string         `json:"id"`
	IntentID       uint64         `json:"intent_id"`
	Filler         common.Address `json:"filler"`
	DeclaredOutput string         `json:"declared_output"`
	Fingerprint    string         `json:"fingerprint"`
	RunID          string         `json:"run_id,omitempty"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxRetries     int            `json:"max_retries"`
	LastError      string         `json:"last_error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Done reports whether the settlement reached a terminal status.
func (s Settlement) Done() bool {
	return s.Status == "settled" || s.Status == "failed"
}

// APIError is a structured error returned by the server.
type APIError struct {
	StatusCode   int
	Code         string            `json:"code"`
	Class        string            `json:"class"`
	Message      string            `json:"message"`
	RetryAfterMS int64             `json:"retry_after_ms,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("arena api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("arena api error (%d): %s", e.StatusCode, e.Message)
}

// RetryAfter returns the server supplied backoff for admission rejections.
func (e *APIError) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return time.Duration(e.RetryAfterMS) * time.Millisecond
}

// IsRateLimited reports whether err is an admission rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// Client wraps the IntentArena REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	caller common.Address
	key    *ecdsa.PrivateKey
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetCaller identifies requests with addr without signing them.
func (c *Client) SetCaller(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = addr
	c.key = nil
}

// SetSigner identifies requests with the key's address and signs every
// request with an EIP-191 personal signature over SigningPayload.
func (c *Client) SetSigner(key *ecdsa.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.caller = crypto.PubkeyToAddress(key.PublicKey)
}

// Caller returns the address attached to requests.
func (c *Client) Caller() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// Quote asks a single solver for a proposal.
func (c *Client) Quote(ctx context.Context, intent Intent, solver string) (Proposal, error) {
	var out Proposal
	err := c.post(ctx, "/api/v1/quote", map[string]any{"intent": intent, "solver": solver}, &out)
	return out, err
}

// Compete runs a full competition.
func (c *Client) Compete(ctx context.Context, intent Intent, solvers []string, override bool) (Result, error) {
	var out Result
	err := c.post(ctx, "/api/v1/compete", map[string]any{"intent": intent, "solvers": solvers, "override": override}, &out)
	return out, err
}

// Simulate runs a competition without risk analysis or side effects.
func (c *Client) Simulate(ctx context.Context, intent Intent, solvers []string) (Result, error) {
	var out Result
	err := c.post(ctx, "/api/v1/simulate", map[string]any{"intent": intent, "solvers": solvers}, &out)
	return out, err
}

// Analyze classifies previously obtained proposals.
func (c *Client) Analyze(ctx context.Context, intent Intent, proposals []Proposal) (RiskAnalysis, error) {
	var out RiskAnalysis
	err := c.post(ctx, "/api/v1/analyze", map[string]any{"intent": intent, "proposals": proposals}, &out)
	return out, err
}

// Token resolves metadata and price for a token address.
func (c *Client) Token(ctx context.Context, address string) (TokenInfo, error) {
	var out TokenInfo
	err := c.get(ctx, "/api/v1/tokens/"+url.PathEscape(address), nil, &out)
	return out, err
}

// SearchTokens performs a free-text token search.
func (c *Client) SearchTokens(ctx context.Context, query string) ([]TokenInfo, error) {
	var out struct {
		Tokens []TokenInfo `json:"tokens"`
	}
	err := c.get(ctx, "/api/v1/tokens", url.Values{"q": {query}}, &out)
	return out.Tokens, err
}

// Reputation returns solver statistics ordered by win rate.
func (c *Client) Reputation(ctx context.Context) ([]SolverReputation, error) {
	var out struct {
		Solvers []SolverReputation `json:"solvers"`
	}
	err := c.get(ctx, "/api/v1/reputation", nil, &out)
	return out.Solvers, err
}

// CreateIntent escrows funds for a new intent.
func (c *Client) CreateIntent(ctx context.Context, params CreateIntentParams) (LedgerIntent, error) {
	var out LedgerIntent
	err := c.post(ctx, "/api/v1/intents", params, &out)
	return out, err
}

// GetIntent fetches an intent by id.
func (c *Client) GetIntent(ctx context.Context, id uint64) (LedgerIntent, error) {
	var out LedgerIntent
	err := c.get(ctx, intentPath(id, ""), nil, &out)
	return out, err
}

// FillIntent settles an intent synchronously as the configured caller.
func (c *Client) FillIntent(ctx context.Context, id uint64, amountOut *big.Int, fingerprint []byte) (LedgerIntent, error) {
	var out LedgerIntent
	body := map[string]any{"amount_out": amountOut, "fingerprint": hexutil.Bytes(fingerprint)}
	err := c.post(ctx, intentPath(id, "fill"), body, &out)
	return out, err
}

// CancelIntent refunds an open intent to its owner.
func (c *Client) CancelIntent(ctx context.Context, id uint64) (LedgerIntent, error) {
	var out LedgerIntent
	err := c.post(ctx, intentPath(id, "cancel"), struct{}{}, &out)
	return out, err
}

// ExpireIntent refunds an intent whose deadline has passed.
func (c *Client) ExpireIntent(ctx context.Context, id uint64) (LedgerIntent, error) {
	var out LedgerIntent
	err := c.post(ctx, intentPath(id, "expire"), struct{}{}, &out)
	return out, err
}

// SubmitSettlement queues an asynchronous fill as the configured caller.
func (c *Client) SubmitSettlement(ctx context.Context, req SettlementRequest) (Settlement, error) {
	var out Settlement
	err := c.post(ctx, "/api/v1/settlements", req, &out)
	return out, err
}

// GetSettlement fetches a queued fill.
func (c *Client) GetSettlement(ctx context.Context, id string) (Settlement, error) {
	var out Settlement
	err := c.get(ctx, "/api/v1/settlements/"+url.PathEscape(id), nil, &out)
	return out, err
}

// WaitForSettlement polls until the settlement is settled or failed.
func (c *Client) WaitForSettlement(ctx context.Context, id string, interval time.Duration) (Settlement, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := c.GetSettlement(ctx, id)
		if err != nil {
			return Settlement{}, err
		}
		if s.Done() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Faucet mints test balances on servers with the faucet enabled.
func (c *Client) Faucet(ctx context.Context, asset string, account common.Address, amount *big.Int) error {
	return c.post(ctx, "/api/v1/faucet", map[string]any{"asset": asset, "account": account, "amount": amount}, nil)
}

// Balance returns the escrow book balance of account.
func (c *Client) Balance(ctx context.Context, asset string, account common.Address) (*big.Int, error) {
	var out struct {
		Balance *big.Int `json:"balance"`
	}
	err := c.get(ctx, "/api/v1/balances/"+account.Hex(), url.Values{"asset": {asset}}, &out)
	return out.Balance, err
}

func intentPath(id uint64, action string) string {
	p := "/api/v1/intents/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.mu.RLock()
	caller, key := c.caller, c.key
	c.mu.RUnlock()
	if caller != (common.Address{}) {
		req.Header.Set(headerCallerAddress, caller.Hex())
	}
	if key != nil {
		ts := time.Now().Unix()
		nonce := uuid.NewString()
		payload := SigningPayload(method, req.URL.RequestURI(), ts, nonce, body)
		sig, err := crypto.Sign(accounts.TextHash(payload), key)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		sig[crypto.RecoveryIDOffset] += 27
		req.Header.Set(headerCallerTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(headerCallerNonce, nonce)
		req.Header.Set(headerCallerSignature, hexutil.Encode(sig))
	}
	return req, nil
}

// SigningPayload is the string a caller signs: the method, the request URI,
// the unix timestamp, the nonce and the Keccak256 of the body, one per line.
// Every request needs a fresh nonce; the server rejects reuse.
func SigningPayload(method, requestURI string, timestamp int64, nonce string, body []byte) []byte {
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		requestURI,
		strconv.FormatInt(timestamp, 10),
		nonce,
		crypto.Keccak256Hash(body).Hex(),
	}, "\n"))
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
