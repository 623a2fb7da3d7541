// Package quoteclient is the Quote Client: the engine's gateway to the
// external quoting service (spec.md §4.7). Grounded on
// pkg/fulfiller/api_client.go's HTTP client construction and flexible
// response unwrapping, and pkg/fulfiller/retry_manager.go's network-error
// predicate, now expressed through internal/retry's generic combinator.
package quoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/retry"
	"github.com/arbidca/dca-engine/internal/tokens"
)

const (
	getTokensRetries  = 3
	getTokensBaseWait = 5 * time.Second
	createSwapRetries = 3
	createSwapBaseWait = 5 * time.Second
)

// ErrQuoteUnavailable marks a createSwap response with no transactions, or
// a response that fails structural validation (spec.md §7).
var ErrQuoteUnavailable = fmt.Errorf("quote unavailable")

// TransactionDescriptor is one atomic transaction inside a SwapPlan, as
// returned by createSwap. It carries only the fields the executor consumes.
type TransactionDescriptor struct {
	ChainID              int      `json:"chainId"`
	To                   string   `json:"to"`
	Data                 string   `json:"data"`
	Value                string   `json:"value,omitempty"`
	Gas                  string   `json:"gas,omitempty"`
	GasPrice             string   `json:"gasPrice,omitempty"`
	MaxFeePerGas         string   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string   `json:"maxPriorityFeePerGas,omitempty"`
}

// Estimation carries the effective price the quoting service computed for
// the proposed swap.
type Estimation struct {
	EffectivePrice string `json:"effectivePrice"`
}

// SwapPlan is createSwap's response: one or more atomic transactions plus
// display amounts for the Execution audit row.
type SwapPlan struct {
	Transactions      []TransactionDescriptor `json:"transactions"`
	DisplayFromAmount string                  `json:"displayFromAmount"`
	DisplayToAmount   string                  `json:"displayToAmount"`
	Estimation        Estimation              `json:"estimation"`
}

// CreateSwapRequest is the request body for createSwap.
type CreateSwapRequest struct {
	BaseToken          string `json:"baseToken"`
	QuoteToken         string `json:"quoteToken"`
	Amount             string `json:"amount"`
	Recipient          string `json:"recipient"`
	SlippageTolerance  string `json:"slippageTolerance"`
}

// tokenDescriptorWire mirrors the quoting service's getTokens response shape.
type tokenDescriptorWire struct {
	Symbol   string `json:"symbol"`
	ChainID  int    `json:"chainId"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Name     string `json:"name"`
}

// Client is the Quote Client.
type Client struct {
	httpClient *http.Client
	endpoint   string
	log        logger.Logger
}

// New creates a Quote Client pointed at endpoint (EMBER_MCP_SERVER_URL),
// using connectionTimeout as the HTTP client's request timeout, matching
// the teacher's createHTTPClient construction.
func New(endpoint string, connectionTimeout time.Duration, log logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: connectionTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint: strings.TrimRight(endpoint, "/"),
		log:      log,
	}
}

// GetTokens fetches the flat token descriptor list for the given chain IDs.
// Satisfies internal/tokens.TokenFetcher. Network failures are retried;
// structural validation failures are not (spec.md §4.7).
func (c *Client) GetTokens(ctx context.Context, chainIDs []int) ([]tokens.TokenDescriptor, error) {
	var result []tokens.TokenDescriptor

	err := retry.Do(ctx, "quoteclient.getTokens", func(ctx context.Context) error {
		raw, err := c.getJSON(ctx, "/tokens", chainIDs)
		if err != nil {
			return err
		}

		var wire []tokenDescriptorWire
		if jerr := json.Unmarshal(raw, &wire); jerr != nil {
			// Some deployments wrap the array in {"tokens": [...]}.
			var wrapped struct {
				Tokens []tokenDescriptorWire `json:"tokens"`
			}
			if jerr2 := json.Unmarshal(raw, &wrapped); jerr2 != nil {
				return fmt.Errorf("decode getTokens response: %w", jerr)
			}
			wire = wrapped.Tokens
		}

		descs := make([]tokens.TokenDescriptor, 0, len(wire))
		for _, t := range wire {
			if t.Symbol == "" || t.Address == "" {
				return fmt.Errorf("getTokens response missing required fields: %+v", t)
			}
			descs = append(descs, tokens.TokenDescriptor{
				Symbol:   t.Symbol,
				ChainID:  t.ChainID,
				Address:  t.Address,
				Decimals: t.Decimals,
				Name:     t.Name,
			})
		}
		result = descs
		return nil
	}, getTokensRetries, getTokensBaseWait, retry.IsNetworkError)

	if err != nil {
		return nil, fmt.Errorf("getTokens: %w", err)
	}
	return result, nil
}

// CreateSwap requests a swap plan for a (base, quote) pair and amount, per
// spec.md §4.2 step 3.
func (c *Client) CreateSwap(ctx context.Context, req CreateSwapRequest) (*SwapPlan, error) {
	var plan *SwapPlan

	err := retry.Do(ctx, "quoteclient.createSwap", func(ctx context.Context) error {
		raw, err := c.postJSON(ctx, "/swap", req)
		if err != nil {
			return err
		}

		var p SwapPlan
		if jerr := json.Unmarshal(raw, &p); jerr != nil {
			return fmt.Errorf("decode createSwap response: %w", jerr)
		}
		if err := validateSwapPlan(&p); err != nil {
			return err
		}
		plan = &p
		return nil
	}, createSwapRetries, createSwapBaseWait, isCreateSwapRetryable)

	if err != nil {
		if err == ErrQuoteUnavailable || strings.Contains(err.Error(), "quote unavailable") {
			return nil, fmt.Errorf("createSwap: %w", ErrQuoteUnavailable)
		}
		return nil, fmt.Errorf("createSwap: %w", err)
	}
	return plan, nil
}

// isCreateSwapRetryable retries network errors only; a structurally invalid
// or empty quote is not retried past the network predicate (spec.md §4.7).
func isCreateSwapRetryable(err error) bool {
	return retry.IsNetworkError(err)
}

func validateSwapPlan(p *SwapPlan) error {
	if len(p.Transactions) == 0 {
		return ErrQuoteUnavailable
	}
	for i, tx := range p.Transactions {
		if tx.To == "" {
			return fmt.Errorf("%w: transaction %d missing to address", ErrQuoteUnavailable, i)
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, chainIDs []int) ([]byte, error) {
	u := fmt.Sprintf("%s%s?chainIds=%s", c.endpoint, path, joinInts(chainIDs))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(httpReq)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq)
}

func (c *Client) do(httpReq *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("quote service request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.ErrorWithComponent(logger.QuoteClient, "close response body: %v", cerr)
		}
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return bodyBytes, nil
}

func joinInts(ints []int) string {
	var b strings.Builder
	for i, v := range ints {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	return b.String()
}

// AtomicAmount converts a human-unit decimal amount string into atomic
// units at the given number of decimals — always the token descriptor's own
// decimals (spec.md §4.2's USDC tie-break: even the native-bridged address
// uses its declared 6 decimals, never a hardcoded assumption).
func AtomicAmount(humanAmount string, decimals uint8) (*big.Int, error) {
	amount, err := decimal.NewFromString(humanAmount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", humanAmount, err)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", humanAmount)
	}
	scaled := amount.Shift(int32(decimals))
	return scaled.BigInt(), nil
}
