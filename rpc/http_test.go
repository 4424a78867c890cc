package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"keymarket/identity"
	"keymarket/native/market"
	"keymarket/storage"
	"keymarket/tradelog"
)

const (
	testToken    = "test-admin-token"
	traderHex    = "0x0000000000000000000000000000000000000011"
	treasuryHex  = "0x00000000000000000000000000000000000000bb"
	recipientHex = "0x00000000000000000000000000000000000000cc"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db := storage.NewMemDB()
	curve, err := market.NewExponentialCurve(market.CurveParams{
		InitialPrice: uint256.NewInt(1_000_000_000_000_000),
		Delta:        uint256.NewInt(1_000_100_000_000_000_000),
		MinPrice:     uint256.NewInt(1_000_000_000_000),
	})
	require.NoError(t, err)
	fees, err := market.FeePolicyFromBps(800, 200)
	require.NoError(t, err)

	registry := identity.NewRegistry(db)
	treasury := market.NewTreasuryCell([20]byte{19: 0xbb})

	engine := market.NewEngine(market.NewLedger(db), curve, fees)
	engine.SetResolver(identity.NewSubjectResolver(registry))
	engine.SetTreasury(treasury)
	engine.SetReserveVault([20]byte{19: 0xaa})
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })

	server := NewServer(engine, registry, treasury)
	server.SetAuthToken(testToken)

	trades, err := tradelog.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trades.Close() })
	engine.SetEmitter(trades)
	server.SetTradeLog(trades)
	return server
}

func call(t *testing.T, handler http.Handler, token, method string, params ...interface{}) (*RPCResponse, int) {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		rawParams = append(rawParams, raw)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	return &resp, recorder.Code
}

func decodeResult(t *testing.T, resp *RPCResponse, out interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestDispatchUnknownMethod(t *testing.T) {
	handler := newTestServer(t).Handler()
	resp, status := call(t, handler, "", "market_frobnicate")
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestMalformedRequest(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(t).Handler()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestQuoteBuy(t *testing.T) {
	handler := newTestServer(t).Handler()

	resp, status := call(t, handler, "", "market_quoteBuy", quoteParams{Subject: recipientHex, Amount: 1})
	require.Equal(t, http.StatusOK, status)

	var result quoteResult
	decodeResult(t, resp, &result)
	require.Equal(t, "buy", result.Side)
	require.Equal(t, "1000100000000000", result.GrossValue)
	require.Equal(t, "1100110000000000", result.TotalDue)
	require.Empty(t, result.NetProceeds)
}

func TestAdminMethodsRequireToken(t *testing.T) {
	handler := newTestServer(t).Handler()

	for _, method := range []string{"market_mint", "market_setTreasury", "identity_setAddress"} {
		resp, status := call(t, handler, "", method)
		require.Equal(t, http.StatusUnauthorized, status, method)
		require.NotNil(t, resp.Error, method)
		require.Equal(t, codeUnauthorized, resp.Error.Code, method)

		resp, status = call(t, handler, "wrong-token", method)
		require.Equal(t, http.StatusUnauthorized, status, method)
		require.Equal(t, codeUnauthorized, resp.Error.Code, method)
	}
}

func TestBuySellFlow(t *testing.T) {
	handler := newTestServer(t).Handler()

	resp, status := call(t, handler, testToken, "market_mint", mintParams{Address: traderHex, Amount: "10000000000000000"})
	require.Equal(t, http.StatusOK, status)
	var minted map[string]string
	decodeResult(t, resp, &minted)
	require.Equal(t, "10000000000000000", minted["balance"])

	resp, _ = call(t, handler, "", "market_buy", tradeBuyParams{
		Subject: recipientHex,
		Trader:  traderHex,
		Amount:  2,
		Payment: "5000000000000000",
	})
	var bought tradeResult
	decodeResult(t, resp, &bought)
	require.Equal(t, "buy", bought.Side)
	require.Equal(t, uint64(2), bought.NewSupply)
	require.NotEmpty(t, bought.TotalPaid)

	resp, _ = call(t, handler, "", "market_subject", subjectParams{Subject: recipientHex})
	var subject subjectResult
	decodeResult(t, resp, &subject)
	require.True(t, subject.Active)
	require.Equal(t, uint64(2), subject.Supply)
	require.Equal(t, "exponential", subject.Curve)

	resp, _ = call(t, handler, "", "market_shares", sharesParams{Subject: recipientHex, Holder: traderHex})
	var shares map[string]interface{}
	decodeResult(t, resp, &shares)
	require.Equal(t, float64(2), shares["shares"])

	resp, _ = call(t, handler, "", "market_sell", tradeSellParams{
		Subject: recipientHex,
		Trader:  traderHex,
		Amount:  1,
	})
	var sold tradeResult
	decodeResult(t, resp, &sold)
	require.Equal(t, "sell", sold.Side)
	require.Equal(t, uint64(1), sold.NewSupply)
	require.NotEmpty(t, sold.NetProceeds)

	resp, _ = call(t, handler, "", "market_trades", tradesParams{Subject: recipientHex, Limit: 10})
	var rows []tradelog.TradeRow
	decodeResult(t, resp, &rows)
	require.Len(t, rows, 2)
}

func TestTradeRejectionMapping(t *testing.T) {
	handler := newTestServer(t).Handler()

	// No funds, underpaid: the engine rejects before any state changes.
	resp, status := call(t, handler, "", "market_buy", tradeBuyParams{
		Subject: recipientHex,
		Trader:  traderHex,
		Amount:  1,
		Payment: "1",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeTradeRejected, resp.Error.Code)

	resp, _ = call(t, handler, "", "market_buy", tradeBuyParams{
		Subject: recipientHex,
		Trader:  "not-an-address",
		Amount:  1,
		Payment: "1",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestIdentityFlow(t *testing.T) {
	handler := newTestServer(t).Handler()

	resp, _ := call(t, handler, "", "identity_register", registerParams{Handle: "Alice", Address: recipientHex})
	var registered handleResult
	decodeResult(t, resp, &registered)
	require.Equal(t, "alice", registered.Handle)

	resp, _ = call(t, handler, "", "identity_resolve", resolveParams{Handle: "alice"})
	var resolved map[string]string
	decodeResult(t, resp, &resolved)
	require.Equal(t, recipientHex, toLowerHex(resolved["address"]))

	// Conflicting claim by another address.
	resp, status := call(t, handler, "", "identity_register", registerParams{Handle: "alice", Address: traderHex})
	require.Equal(t, http.StatusConflict, status)
	require.NotNil(t, resp.Error)

	// Repointing requires the admin token.
	resp, _ = call(t, handler, testToken, "identity_setAddress", registerParams{Handle: "alice", Address: traderHex})
	var repointed handleResult
	decodeResult(t, resp, &repointed)
	require.Equal(t, traderHex, toLowerHex(repointed.Address))

	// A trade against the handle pays the registered address.
	_, status = call(t, handler, testToken, "market_mint", mintParams{Address: traderHex, Amount: "10000000000000000"})
	require.Equal(t, http.StatusOK, status)
	resp, _ = call(t, handler, "", "market_buy", tradeBuyParams{
		Subject: "alice",
		Trader:  traderHex,
		Amount:  1,
		Payment: "5000000000000000",
	})
	var bought tradeResult
	decodeResult(t, resp, &bought)
	require.Equal(t, "alice", bought.Subject)
}

func TestSetTreasury(t *testing.T) {
	server := newTestServer(t)
	handler := server.Handler()

	resp, _ := call(t, handler, testToken, "market_setTreasury", setTreasuryParams{Address: treasuryHex})
	var result map[string]string
	decodeResult(t, resp, &result)
	require.Equal(t, treasuryHex, toLowerHex(result["treasury"]))

	addr, ok := server.treasury.Address()
	require.True(t, ok)
	require.Equal(t, byte(0xbb), addr[19])
}

func toLowerHex(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
