package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"safehold/core/state"
	"safehold/native/common"
	"safehold/native/escrow"
	"safehold/native/registry"
	"safehold/native/timelock"
	"safehold/storage"
)

const testToken = "test-admin-token"

var (
	testAdmin    = [20]byte{0xAD}
	testVault    = [20]byte{0xEC}
	testFeeVault = [20]byte{0xFE}
)

type rpcFixture struct {
	server *Server
	mgr    *state.Manager
	clock  int64
}

func newFixture(t *testing.T) *rpcFixture {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	engine := escrow.NewEngine(mgr, testVault)
	reg, err := registry.NewRegistry(mgr, engine, testAdmin, testFeeVault, big.NewInt(10), 1)
	require.NoError(t, err)
	policy, err := timelock.New(testAdmin, timelock.Config{})
	require.NoError(t, err)
	require.NoError(t, reg.SetModule(testAdmin, registry.ModuleTimeLock, policy))

	f := &rpcFixture{mgr: mgr, clock: 1_700_000_000}
	engine.SetNowFunc(func() int64 { return f.clock })

	f.server = NewServer(Modules{
		Registry: reg,
		Escrow:   engine,
		TimeLock: policy,
	}, testToken, common.Quota{MaxPerEpoch: 4, EpochSeconds: 60}, nil)
	f.server.SetNowFunc(func() int64 { return f.clock })
	return f
}

func (f *rpcFixture) fund(t *testing.T, a [20]byte, amount int64) {
	t.Helper()
	acc, err := f.mgr.GetAccount(a[:])
	require.NoError(t, err)
	acc.Balance = big.NewInt(amount)
	require.NoError(t, f.mgr.PutAccount(a[:], acc))
}

func (f *rpcFixture) post(t *testing.T, body string, headers map[string]string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.RemoteAddr = "10.0.0.1:55000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func (f *rpcFixture) call(t *testing.T, method string, params interface{}) RPCResponse {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":%s}`, method, raw)
	_, resp := f.post(t, body, nil)
	return resp
}

func TestRejectsMalformedEnvelopes(t *testing.T) {
	f := newFixture(t)

	_, resp := f.post(t, "{not json", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)

	_, resp = f.post(t, `{"jsonrpc":"1.0","id":1,"method":"escrow_get"}`, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	_, resp = f.post(t, `{"jsonrpc":"2.0","id":1,"method":"escrow_noSuchMethod"}`, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestAdminMethodsRequireToken(t *testing.T) {
	f := newFixture(t)
	params := `{"caller":"0xad00000000000000000000000000000000000000"}`

	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"registry_pause","params":%s}`, params)
	rec, resp := f.post(t, body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	_, resp = f.post(t, body, map[string]string{"Authorization": "Bearer wrong-token"})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	_, resp = f.post(t, body, map[string]string{"Authorization": "Bearer " + testToken})
	require.Nil(t, resp.Error)

	// Pause is now visible through the public read path.
	unpause := fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"registry_unpause","params":%s}`, params)
	_, resp = f.post(t, unpause, map[string]string{"Authorization": "Bearer " + testToken})
	require.Nil(t, resp.Error)
}

func TestEmptyTokenDisablesAdminSurface(t *testing.T) {
	f := newFixture(t)
	f.server.authToken = ""

	body := `{"jsonrpc":"2.0","id":1,"method":"registry_pause","params":{"caller":"0xad00000000000000000000000000000000000000"}}`
	_, resp := f.post(t, body, map[string]string{"Authorization": "Bearer "})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestWriteQuotaPerClient(t *testing.T) {
	f := newFixture(t)

	// Invalid params still count as writes; only the fifth in the epoch is
	// throttled.
	body := `{"jsonrpc":"2.0","id":1,"method":"escrow_release","params":{"id":"0x00"}}`
	for i := 0; i < 4; i++ {
		rec, resp := f.post(t, body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, codeInvalidParams, resp.Error.Code)
	}
	rec, resp := f.post(t, body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, codeRateLimited, resp.Error.Code)

	// A new epoch resets the counter.
	f.clock += 60
	rec, _ = f.post(t, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	f := newFixture(t)
	seller := "0x5151515151515151515151515151515151515151"
	buyer := "0xb1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1"
	sellerAddr, err := parseAddr(seller)
	require.NoError(t, err)
	buyerAddr, err := parseAddr(buyer)
	require.NoError(t, err)
	f.fund(t, sellerAddr, 1_000)
	f.fund(t, buyerAddr, 1_000)
	// Disable the write quota so the whole flow fits in one epoch.
	f.server.quota = common.Quota{}

	resp := f.call(t, "registry_createEscrow", map[string]interface{}{
		"seller":      seller,
		"buyer":       buyer,
		"amount":      "500",
		"description": "laptop",
		"tradeId":     "0x1111111111111111111111111111111111111111111111111111111111111111",
		"fee":         "10",
	})
	require.Nil(t, resp.Error)
	id := resp.Result.(map[string]interface{})["id"].(string)

	panicCode := "let me out"
	hash := escrow.HashPanicCode([]byte(panicCode))
	resp = f.call(t, "escrow_fund", map[string]interface{}{
		"id":        id,
		"caller":    buyer,
		"panicHash": hashHex(hash),
		"value":     "500",
	})
	require.Nil(t, resp.Error)

	resp = f.call(t, "escrow_confirmReceipt", map[string]string{"id": id, "caller": seller})
	require.Nil(t, resp.Error)

	resp = f.call(t, "escrow_get", map[string]string{"id": id})
	require.Nil(t, resp.Error)
	view := resp.Result.(map[string]interface{})
	require.Equal(t, "locked", view["status"])

	// Release before expiry is rejected, after expiry it succeeds.
	resp = f.call(t, "escrow_release", map[string]string{"id": id})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeServerError, resp.Error.Code)

	f.clock += 86_400
	resp = f.call(t, "escrow_release", map[string]string{"id": id})
	require.Nil(t, resp.Error)

	resp = f.call(t, "escrow_get", map[string]string{"id": id})
	require.Nil(t, resp.Error)
	view = resp.Result.(map[string]interface{})
	require.Equal(t, "released", view["status"])
}

func TestValidationErrorsMapToInvalidParams(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, "registry_createEscrow", map[string]interface{}{
		"seller":      "not-an-address",
		"buyer":       "0xb1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1",
		"amount":      "500",
		"description": "laptop",
		"tradeId":     "0x1111111111111111111111111111111111111111111111111111111111111111",
		"fee":         "10",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = f.call(t, "escrow_get", map[string]string{
		"id": "0x2222222222222222222222222222222222222222222222222222222222222222",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
