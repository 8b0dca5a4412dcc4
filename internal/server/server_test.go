package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"PerpSettle/internal/access"
	"PerpSettle/internal/core"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"PerpSettle/internal/state"
)

const (
	owner = "GOWNER"
	vault = "GVAULT"
	alice = "GALICE"
)

var btc = state.OtherAsset("BTC")

type fixture struct {
	eng    *core.Engine
	prices *oracle.MemorySource
	srv    *server.GRPCServer
	http   http.Handler
	now    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{prices: oracle.NewMemorySource(), now: 1_000}
	guard := oracle.NewGuard(f.prices, 0)
	logger := zerolog.Nop()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	f.eng = core.NewEngine(guard, access.NewTable(owner), core.Options{
		Clock:   func() int64 { return f.now },
		Metrics: metrics,
		Logger:  &logger,
	})
	qs := query.NewQueryService(f.eng, guard, nil, metrics).WithClock(func() int64 { return f.now })

	ctx := context.Background()
	if _, err := f.eng.Initialize(ctx, owner, "perp", vault, state.TradingConfig{
		Oracle: "memory", CallerTakeRate: 5_000_000, MaxPositions: 3,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := f.eng.InitMarket(ctx, owner, btc, state.MarketConfig{
		Enabled:           true,
		BaseFee:           5_000,
		InitMargin:        1_000_000,
		MaintenanceMargin: 500_000,
		MinCollateral:     100,
		MaxCollateral:     10_000,
		MinHourlyRate:     fpmath.Scalar18 / 100_000,
		TargetHourlyRate:  fpmath.Scalar18 / 10_000,
		MaxHourlyRate:     fpmath.Scalar18 / 1_000,
		TargetUtilization: 8_000_000,
		PriceImpactScalar: 100_000_000_000 * fpmath.Scalar7,
		TotalAvailable:    1_000_000,
	}); err != nil {
		t.Fatalf("init market: %v", err)
	}
	if _, err := f.eng.SetStatus(ctx, owner, state.StatusActive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	f.prices.Set(btc, 100, f.now)

	f.srv = server.NewGRPCServer("", "", &server.ServerDeps{
		Service: server.NewService(f.eng, qs, f.prices),
		Metrics: metrics,
	})
	h, err := f.srv.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	f.http = h
	return f
}

func (f *fixture) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	rec := httptest.NewRecorder()
	f.http.ServeHTTP(rec, req)
	return rec
}

func mustDecode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestHTTPCreateAndGetPosition(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/v1/positions", alice, core.CreatePositionRequest{
		Asset: btc, Collateral: 500, Notional: 1_000, IsLong: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	created := mustDecode[core.CreatePositionResult](t, rec)

	rec = f.do(t, "GET", "/v1/positions/"+strconv.FormatUint(uint64(created.PositionID), 10), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d body %s", rec.Code, rec.Body.String())
	}
	pos := mustDecode[query.PositionResponse](t, rec)
	if pos.User != alice || pos.StatusName != "Open" {
		t.Errorf("position: user=%s status=%s", pos.User, pos.StatusName)
	}

	rec = f.do(t, "GET", "/v1/users/"+alice+"/positions", "", nil)
	list := mustDecode[[]query.PositionResponse](t, rec)
	if len(list) != 1 || list[0].ID != created.PositionID {
		t.Errorf("user positions: %+v", list)
	}
}

func TestHTTPMissingCaller(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/v1/positions", "", core.CreatePositionRequest{
		Asset: btc, Collateral: 500, Notional: 1_000, IsLong: true,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestHTTPMarketRoutes(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/markets/BTC", "/v1/markets/other/BTC"} {
		rec := f.do(t, "GET", path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d body %s", path, rec.Code, rec.Body.String())
		}
		m := mustDecode[query.MarketResponse](t, rec)
		if m.Asset != btc {
			t.Errorf("%s: asset %v", path, m.Asset)
		}
	}

	rec := f.do(t, "GET", "/v1/markets", "", nil)
	if markets := mustDecode[[]query.MarketResponse](t, rec); len(markets) != 1 {
		t.Errorf("list markets: got %d", len(markets))
	}

	rec = f.do(t, "GET", "/v1/markets/ETH", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown market: status %d", rec.Code)
	}
}

func TestHTTPBadPositionID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/v1/positions/abc", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestHTTPAdminRequiresOwner(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/v1/admin/status", alice, server.SetStatusRequest{Status: state.StatusFrozen})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d body %s, want 403", rec.Code, rec.Body.String())
	}
	var body struct {
		Code uint32 `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != uint32(state.CodeUnauthorized) {
		t.Errorf("code %d, want %d", body.Code, state.CodeUnauthorized)
	}

	rec = f.do(t, "POST", "/v1/admin/status", owner, server.SetStatusRequest{Status: state.StatusOnIce})
	if rec.Code != http.StatusOK {
		t.Fatalf("owner set status: %d %s", rec.Code, rec.Body.String())
	}
	contract := mustDecode[query.ContractResponse](t, f.do(t, "GET", "/v1/contract", "", nil))
	if contract.Status != "OnIce" {
		t.Errorf("contract status %s", contract.Status)
	}
}

func TestHTTPInjectPrice(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/v1/admin/prices", owner, server.InjectPriceRequest{Asset: btc, Price: 250, Timestamp: 1_001})
	if rec.Code != http.StatusOK {
		t.Fatalf("inject: %d %s", rec.Code, rec.Body.String())
	}
	pd, ok, _ := f.prices.LastPrice(context.Background(), btc)
	if !ok || pd.Price != 250 || pd.Timestamp != 1_001 {
		t.Errorf("price: %+v ok=%v", pd, ok)
	}

	rec = f.do(t, "POST", "/v1/admin/prices", alice, server.InjectPriceRequest{Asset: btc, Price: 1})
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-owner inject: status %d", rec.Code)
	}
}

func TestHTTPRoles(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/v1/admin/roles/grant", owner, server.RoleRequest{Account: alice, Role: access.RoleKeeper})
	if rec.Code != http.StatusOK {
		t.Fatalf("grant: %d %s", rec.Code, rec.Body.String())
	}
	if !f.eng.Access().HasRole(alice, access.RoleKeeper) {
		t.Error("alice should hold the keeper role")
	}
	owned := mustDecode[server.OwnerResponse](t, f.do(t, "GET", "/v1/admin/owner", "", nil))
	if owned.Owner != owner {
		t.Errorf("owner %q", owned.Owner)
	}
}

func TestHTTPHistoryNeedsDatabase(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/funding/BTC", "/v1/funding/other/BTC?limit=5", "/v1/users/" + alice + "/journals"} {
		rec := f.do(t, "GET", path, "", nil)
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s: status %d, want 501", path, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

// ============================================================================
// gRPC
// ============================================================================

func dialBufconn(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.srv.ServeGRPC(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func TestGRPCGetContract(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, f)

	var out query.ContractResponse
	if err := conn.Invoke(context.Background(), "/perpsettle.v1.Settlement/GetContract", &server.Empty{}, &out); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Name != "perp" || out.Vault != vault || out.Status != "Active" {
		t.Errorf("contract: %+v", out)
	}
}

func TestGRPCCreatePositionWithMetadata(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, f)

	ctx := metadata.AppendToOutgoingContext(context.Background(), server.CallerHeader, alice)
	var out core.CreatePositionResult
	err := conn.Invoke(ctx, "/perpsettle.v1.Settlement/CreatePosition", &core.CreatePositionRequest{
		Asset: btc, Collateral: 500, Notional: 1_000, IsLong: true,
	}, &out)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Status != "Open" {
		t.Errorf("status %q", out.Status)
	}
}

func TestGRPCErrorMapping(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, f)

	ctx := metadata.AppendToOutgoingContext(context.Background(), server.CallerHeader, alice)
	err := conn.Invoke(ctx, "/perpsettle.v1.Settlement/SetStatus", &server.SetStatusRequest{Status: state.StatusFrozen}, &server.CommitResponse{})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("non-owner set status: %v", err)
	}

	err = conn.Invoke(context.Background(), "/perpsettle.v1.Settlement/GetPosition", &server.PositionRequest{ID: 99}, &query.PositionResponse{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("unknown position: %v", err)
	}
}

// ============================================================================
// HTTP position actions and config timelock
// ============================================================================

func TestHTTPPositionActions(t *testing.T) {
	f := newFixture(t)
	created := mustDecode[core.CreatePositionResult](t, f.do(t, "POST", "/v1/positions", alice, core.CreatePositionRequest{
		Asset: btc, Collateral: 500, Notional: 1_000, IsLong: true,
	}))
	base := "/v1/positions/" + strconv.FormatUint(uint64(created.PositionID), 10)

	rec := f.do(t, "POST", base+"/triggers", alice, server.SetTriggersRequest{TakeProfit: 120, StopLoss: 90})
	if rec.Code != http.StatusOK {
		t.Fatalf("triggers: %d %s", rec.Code, rec.Body.String())
	}
	pos := mustDecode[query.PositionResponse](t, f.do(t, "GET", base, "", nil))
	if pos.TakeProfit != 120 || pos.StopLoss != 90 {
		t.Errorf("triggers: tp %d sl %d", pos.TakeProfit, pos.StopLoss)
	}

	rec = f.do(t, "POST", base+"/collateral", alice, server.ModifyCollateralRequest{Collateral: 600})
	if rec.Code != http.StatusOK {
		t.Fatalf("collateral: %d %s", rec.Code, rec.Body.String())
	}
	if res := mustDecode[core.PositionActionResult](t, rec); res.Transfers[alice] != -100 {
		t.Errorf("collateral transfers: %v", res.Transfers)
	}

	rec = f.do(t, "POST", base+"/close", "GSTRANGER", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger close: status %d", rec.Code)
	}
	rec = f.do(t, "POST", base+"/close", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}
	pos = mustDecode[query.PositionResponse](t, f.do(t, "GET", base, "", nil))
	if pos.StatusName != "Closed" {
		t.Errorf("status after close: %s", pos.StatusName)
	}
}

func TestHTTPConfigTimelock(t *testing.T) {
	f := newFixture(t)
	cfg := state.TradingConfig{Oracle: "memory", CallerTakeRate: 1_000_000, MaxPositions: 5}

	rec := f.do(t, "POST", "/v1/admin/config/queue", alice, server.SetConfigRequest{Config: cfg})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner queue: status %d", rec.Code)
	}
	rec = f.do(t, "POST", "/v1/admin/config/queue", owner, server.SetConfigRequest{Config: cfg})
	if rec.Code != http.StatusOK {
		t.Fatalf("queue: %d %s", rec.Code, rec.Body.String())
	}
	contract := mustDecode[query.ContractResponse](t, f.do(t, "GET", "/v1/contract", "", nil))
	if contract.QueuedConfig == nil || contract.QueuedConfig.Config != cfg {
		t.Fatalf("queued config: %+v", contract.QueuedConfig)
	}

	rec = f.do(t, "POST", "/v1/config/apply", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply: %d %s", rec.Code, rec.Body.String())
	}
	contract = mustDecode[query.ContractResponse](t, f.do(t, "GET", "/v1/contract", "", nil))
	if contract.QueuedConfig != nil || contract.Config.MaxPositions != 5 {
		t.Errorf("after apply: %+v", contract)
	}

	rec = f.do(t, "POST", "/v1/admin/config/cancel", owner, nil)
	if rec.Code == http.StatusOK {
		t.Errorf("cancel with nothing queued succeeded")
	}
}
