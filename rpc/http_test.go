package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"futarchy/core"
	"futarchy/storage"
)

const testAuthToken = "test-rpc-secret"

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func newTestServer(t *testing.T, opts ...ServerOption) (*httptest.Server, *core.Node) {
	t.Helper()
	t.Setenv("FUTARCHY_RPC_TOKEN", testAuthToken)
	node, err := core.NewNode(storage.NewMemDB())
	require.NoError(t, err)
	node.SetNowFunc(func() int64 { return 1_700_000_000 })
	server := NewServer(node, opts...)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, node
}

func call(t *testing.T, url, token, method string, params interface{}) testResponse {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func mustResult(t *testing.T, resp testResponse, target interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected RPC error: %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, target))
}

func TestRPCMarketLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	var created MarketCreateResult
	mustResult(t, call(t, ts.URL, testAuthToken, "market_create", map[string]interface{}{
		"slug":         "prop-fee-switch",
		"outcomeCount": 2,
	}), &created)
	require.Equal(t, "prop-fee-switch", created.Market.Slug)
	require.Len(t, created.SweepCapability, 66)
	marketID := created.Market.MarketID

	for outcome := 0; outcome < 2; outcome++ {
		var esc EscrowResult
		mustResult(t, call(t, ts.URL, testAuthToken, "escrow_registerOutcome", map[string]interface{}{
			"marketId":  marketID,
			"outcome":   outcome,
			"riskAsset": "0",
			"numeraire": "0",
		}), &esc)
		require.Equal(t, uint32(outcome+1), esc.RegisteredOutcomes)
	}

	var seeded []TokenResult
	mustResult(t, call(t, ts.URL, testAuthToken, "escrow_seed", map[string]interface{}{
		"marketId":  marketID,
		"riskAsset": "0",
		"numeraire": "0",
	}), &seeded)
	require.Empty(t, seeded)

	var minted []TokenResult
	mustResult(t, call(t, ts.URL, "", "escrow_mintSet", map[string]interface{}{
		"marketId": marketID,
		"flavor":   "numeraire",
		"amount":   "40",
	}), &minted)
	require.Len(t, minted, 2)
	require.Equal(t, "40", minted[0].Amount)

	var token TokenResult
	mustResult(t, call(t, ts.URL, "", "token_get", map[string]interface{}{
		"handle": minted[1].Handle,
	}), &token)
	require.Equal(t, uint32(1), token.Outcome)

	var redeemed RedeemSetResult
	mustResult(t, call(t, ts.URL, "", "escrow_redeemSet", map[string]interface{}{
		"marketId": marketID,
		"handles":  []string{minted[0].Handle, minted[1].Handle},
	}), &redeemed)
	require.Equal(t, "40", redeemed.Amount)
	require.Equal(t, "numeraire", redeemed.Flavor)

	var finalized MarketResult
	mustResult(t, call(t, ts.URL, testAuthToken, "market_finalize", map[string]interface{}{
		"marketId": marketID,
		"winner":   1,
	}), &finalized)
	require.True(t, finalized.Finalized)
	require.Equal(t, uint32(1), finalized.Winner)

	var esc EscrowResult
	mustResult(t, call(t, ts.URL, "", "escrow_get", map[string]interface{}{
		"marketId": marketID,
	}), &esc)
	require.Equal(t, "0", esc.NumeraireBalance)
	require.True(t, esc.RegistrationComplete)
}

func TestRPCWinningFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	var created MarketCreateResult
	mustResult(t, call(t, ts.URL, testAuthToken, "market_create", map[string]interface{}{
		"slug":         "prop-treasury",
		"outcomeCount": 2,
	}), &created)
	marketID := created.Market.MarketID
	for outcome := 0; outcome < 2; outcome++ {
		call(t, ts.URL, testAuthToken, "escrow_registerOutcome", map[string]interface{}{
			"marketId": marketID, "outcome": outcome, "riskAsset": "0", "numeraire": "0",
		})
	}
	call(t, ts.URL, testAuthToken, "escrow_seed", map[string]interface{}{
		"marketId": marketID, "riskAsset": "0", "numeraire": "0",
	})

	var minted []TokenResult
	mustResult(t, call(t, ts.URL, "", "escrow_mintSet", map[string]interface{}{
		"marketId": marketID, "flavor": "numeraire", "amount": "30",
	}), &minted)

	var swapped TokenResult
	mustResult(t, call(t, ts.URL, "", "escrow_swap", map[string]interface{}{
		"marketId": marketID, "handle": minted[0].Handle,
		"outcome": 0, "from": "numeraire", "amountOut": "12",
	}), &swapped)
	require.Equal(t, "risk_asset", swapped.Flavor)

	call(t, ts.URL, testAuthToken, "market_finalize", map[string]interface{}{
		"marketId": marketID, "winner": 1,
	})

	var redeemed RedeemSetResult
	mustResult(t, call(t, ts.URL, "", "escrow_redeemWinning", map[string]interface{}{
		"marketId": marketID, "handle": minted[1].Handle, "flavor": "numeraire",
	}), &redeemed)
	require.Equal(t, "30", redeemed.Amount)

	var burned map[string]int
	mustResult(t, call(t, ts.URL, "", "escrow_burnLosing", map[string]interface{}{
		"marketId": marketID, "handles": []string{swapped.Handle},
	}), &burned)
	require.Equal(t, 1, burned["burned"])
}

func TestRPCAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := call(t, ts.URL, "", "market_create", map[string]interface{}{
		"slug": "prop-x", "outcomeCount": 2,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	resp = call(t, ts.URL, "wrong-token", "market_create", map[string]interface{}{
		"slug": "prop-x", "outcomeCount": 2,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestRPCErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := call(t, ts.URL, "", "market_get", map[string]interface{}{
		"marketId": "0x" + fmt.Sprintf("%064d", 1),
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeNotFound, resp.Error.Code)

	resp = call(t, ts.URL, "", "market_get", map[string]interface{}{
		"marketId": "not-hex",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = call(t, ts.URL, "", "no_such_method", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	resp = call(t, ts.URL, testAuthToken, "market_create", map[string]interface{}{
		"slug": "prop-too-big", "outcomeCount": 65,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestRPCRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, WithRateLimit(60, 2))

	limited := false
	for i := 0; i < 10; i++ {
		resp := call(t, ts.URL, "", "market_list", nil)
		if resp.Error != nil && resp.Error.Code == codeRateLimited {
			limited = true
			break
		}
	}
	require.True(t, limited, "expected rate limiter to trip")
}

func TestRPCMalformedRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.NotNil(t, decoded.Error)
	require.Equal(t, codeParseError, decoded.Error.Code)

	resp2, err := http.Post(ts.URL, "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp2.Body.Close()
	var decoded2 testResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&decoded2))
	require.NotNil(t, decoded2.Error)
	require.Equal(t, codeInvalidRequest, decoded2.Error.Code)
}
