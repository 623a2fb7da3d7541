package quoteclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbidca/dca-engine/internal/logger"
)

func TestGetTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"USDC","chainId":42161,"address":"0xaf88d065e77c8cC2239327C5EDb3A432268e5831","decimals":6,"name":"USD Coin"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, &logger.EmptyLogger{})
	descs, err := c.GetTokens(t.Context(), []int{42161})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "USDC", descs[0].Symbol)
	assert.EqualValues(t, 6, descs[0].Decimals)
}

func TestGetTokensWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tokens":[{"symbol":"WETH","chainId":42161,"address":"0x82aF49447D8a07e3bd95BD0d56f35241523fBab1","decimals":18}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, &logger.EmptyLogger{})
	descs, err := c.GetTokens(t.Context(), []int{42161})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "WETH", descs[0].Symbol)
}

func TestCreateSwapEmptyTransactionsIsQuoteUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactions":[],"displayToAmount":"0"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, &logger.EmptyLogger{})
	_, err := c.CreateSwap(t.Context(), CreateSwapRequest{BaseToken: "USDC", QuoteToken: "WETH", Amount: "100000000", Recipient: "0xabc", SlippageTolerance: "2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestCreateSwapSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactions":[{"chainId":42161,"to":"0xdeadbeef","data":"0x"}],"displayToAmount":"0.03","estimation":{"effectivePrice":"3333.33"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, &logger.EmptyLogger{})
	plan, err := c.CreateSwap(t.Context(), CreateSwapRequest{BaseToken: "USDC", QuoteToken: "WETH", Amount: "100000000", Recipient: "0xabc", SlippageTolerance: "2"})
	require.NoError(t, err)
	require.Len(t, plan.Transactions, 1)
	assert.Equal(t, "0.03", plan.DisplayToAmount)
}

func TestAtomicAmount(t *testing.T) {
	amt, err := AtomicAmount("100", 6)
	require.NoError(t, err)
	assert.Equal(t, "100000000", amt.String())

	amt, err = AtomicAmount("0.03", 18)
	require.NoError(t, err)
	assert.Equal(t, "30000000000000000", amt.String())

	_, err = AtomicAmount("-1", 6)
	require.Error(t, err)
}
