package server_test

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/server"
	"CandleLedger/internal/testutil"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type grpcHarness struct {
	eng    *core.Engine
	srv    *server.Server
	client *server.LedgerClient
	conn   *grpc.ClientConn
}

func newGRPCHarness(t *testing.T) *grpcHarness {
	t.Helper()

	eng := testutil.NewEngine(t, testutil.EngineOptions{})
	snap := func(context.Context) (int64, error) { return eng.GetSequence() - 1, nil }
	srv := server.NewServer("", "", server.NewLedgerServer(eng, nil, snap), http.NotFoundHandler())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPC().Serve(lis) }()
	t.Cleanup(srv.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &grpcHarness{eng: eng, srv: srv, client: server.NewLedgerClient(conn), conn: conn}
}

func as(caller string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), server.CallerHeader, caller)
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), "error: %v", err)
}

// ===== Test: gRPC surface =====

func TestGRPC_VoteAndRead(t *testing.T) {
	h := newGRPCHarness(t)

	r, err := h.client.Vote(as("alice"), &server.VoteRequest{Vote: event.VoteUp, PaidAmount: testutil.Cost})
	require.NoError(t, err)
	assert.Equal(t, "alice", r.VoterID)
	assert.Equal(t, event.VoteUp, r.Vote)

	win, err := h.client.CurrentCandle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.Candle, win.Start)
	assert.Equal(t, win.Start+60, win.End)

	gv, err := h.client.GetVote(context.Background(), &server.GetVoteRequest{Candle: r.Candle, VoterID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, event.VoteUp, gv.Vote)

	c, err := h.client.GetCandle(context.Background(), &server.CandleRequest{Candle: r.Candle})
	require.NoError(t, err)
	assert.Equal(t, server.CandleResponse{Candle: r.Candle, UpVotes: 1, TotalVotes: 1}, *c)

	voter, err := h.client.VoterAt(context.Background(), &server.VoterAtRequest{Candle: r.Candle, Vote: event.VoteUp})
	require.NoError(t, err)
	assert.Equal(t, "alice", voter.VoterID)

	funds, err := h.client.GetTotalFunds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.Cost, funds.TotalFunds)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	h := newGRPCHarness(t)

	_, err := h.client.Vote(context.Background(), &server.VoteRequest{Vote: event.VoteUp, PaidAmount: testutil.Cost})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.Vote(as("alice"), &server.VoteRequest{Vote: event.VoteUp, PaidAmount: 1})
	requireCode(t, err, codes.InvalidArgument)

	r, err := h.client.Vote(as("alice"), &server.VoteRequest{Vote: event.VoteUp, PaidAmount: testutil.Cost})
	require.NoError(t, err)
	_, err = h.client.Vote(as("alice"), &server.VoteRequest{Vote: event.VoteDown, PaidAmount: testutil.Cost})
	requireCode(t, err, codes.AlreadyExists)

	_, err = h.client.VoterAt(context.Background(), &server.VoterAtRequest{Candle: r.Candle, Vote: event.VoteUp, Index: 5})
	requireCode(t, err, codes.OutOfRange)

	_, err = h.client.ReleasePrizes(as("alice"), &server.ReleaseRequest{Candle: r.Candle, WinningVote: event.VoteUp})
	requireCode(t, err, codes.PermissionDenied)

	_, err = h.client.ReleasePrizes(as(testutil.Owner.Caller), &server.ReleaseRequest{Candle: r.Candle, WinningVote: event.VoteNone})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.ReleasePrizes(as(testutil.Owner.Caller), &server.ReleaseRequest{Candle: r.Candle, WinningVote: event.VoteUp})
	require.NoError(t, err)
	_, err = h.client.ReleasePrizes(as(testutil.Owner.Caller), &server.ReleaseRequest{Candle: r.Candle, WinningVote: event.VoteUp})
	requireCode(t, err, codes.AlreadyExists)

	_, err = h.client.Withdraw(as("nobody"))
	requireCode(t, err, codes.FailedPrecondition)

	_, err = h.client.GetCandleHistory(context.Background(), &server.CandleHistoryRequest{})
	requireCode(t, err, codes.Unavailable)
}

func TestGRPC_ReleaseAndWithdraw(t *testing.T) {
	h := newGRPCHarness(t)

	r, err := h.client.Vote(as("w0"), &server.VoteRequest{Vote: event.VoteUp, PaidAmount: testutil.Cost})
	require.NoError(t, err)
	_, err = h.client.Vote(as("l0"), &server.VoteRequest{Vote: event.VoteDown, PaidAmount: testutil.Cost})
	require.NoError(t, err)

	evt, err := h.client.ReleasePrizes(as(testutil.Owner.Caller), &server.ReleaseRequest{Candle: r.Candle, WinningVote: event.VoteUp})
	require.NoError(t, err)
	assert.Equal(t, testutil.Cost, evt.Pool)
	require.Len(t, evt.Payouts, 1)
	assert.Equal(t, "w0", evt.Payouts[0].VoterID)

	bal, err := h.client.BalanceOf(context.Background(), &server.BalanceRequest{VoterID: "w0"})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), bal.Balance)

	w, err := h.client.Withdraw(as("w0"))
	require.NoError(t, err)
	assert.Equal(t, int64(4000), w.Amount)
	assert.Equal(t, int64(0), h.eng.BalanceOf("w0"))
}

func TestGRPC_ConfigRequiresPause(t *testing.T) {
	h := newGRPCHarness(t)
	owner := as(testutil.Owner.Caller)

	_, err := h.client.UpdateConfig(owner, &server.UpdateConfigRequest{Field: "cost_per_vote", Value: json.RawMessage(`5000`)})
	requireCode(t, err, codes.FailedPrecondition)

	_, err = h.client.Pause(as("mallory"))
	requireCode(t, err, codes.PermissionDenied)

	p, err := h.client.Pause(owner)
	require.NoError(t, err)
	assert.True(t, p.Paused)

	_, err = h.client.Pause(owner)
	requireCode(t, err, codes.FailedPrecondition)

	cfg, err := h.client.UpdateConfig(owner, &server.UpdateConfigRequest{Field: "cost_per_vote", Value: json.RawMessage(`5000`)})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), cfg.CostPerVote)

	cfg, err = h.client.UpdateConfig(owner, &server.UpdateConfigRequest{Field: "prize_shares", Value: json.RawMessage(`[50,50]`)})
	require.NoError(t, err)
	assert.Equal(t, []int64{50, 50}, cfg.PrizeShares)

	cfg, err = h.client.UpdateConfig(owner, &server.UpdateConfigRequest{Field: "time_unit", Value: json.RawMessage(`"second"`)})
	require.NoError(t, err)
	assert.Equal(t, "second", cfg.TimeUnit)

	_, err = h.client.UpdateConfig(owner, &server.UpdateConfigRequest{Field: "time_unit", Value: json.RawMessage(`"hour"`)})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.UpdateConfig(owner, &server.UpdateConfigRequest{Field: "prize_shares", Value: json.RawMessage(`[60,50]`)})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.UpdateConfig(owner, &server.UpdateConfigRequest{Field: "colour", Value: json.RawMessage(`1`)})
	requireCode(t, err, codes.InvalidArgument)

	// Authorization is checked before the value is validated.
	_, err = h.client.UpdateConfig(as("mallory"), &server.UpdateConfigRequest{Field: "time_unit", Value: json.RawMessage(`"hour"`)})
	requireCode(t, err, codes.PermissionDenied)

	u, err := h.client.Unpause(owner)
	require.NoError(t, err)
	assert.False(t, u.Paused)

	cfg, err = h.client.GetConfig(context.Background())
	require.NoError(t, err)
	assert.False(t, cfg.Paused)
	assert.Equal(t, testutil.Owner.Caller, cfg.Beneficiary)
}

func TestGRPC_TakeSnapshot(t *testing.T) {
	h := newGRPCHarness(t)
	testutil.PlayRound(t, h.eng)

	resp, err := h.client.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.Sequence)
}

func TestGRPC_Health(t *testing.T) {
	h := newGRPCHarness(t)
	hc := healthpb.NewHealthClient(h.conn)

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.srv.SetReady(true)
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// ===== Test: HTTP gateway =====

type httpHarness struct {
	eng    *core.Engine
	health *observability.HealthChecker
	hub    *server.Hub
	feed   chan core.CoreOutput
	ts     *httptest.Server
}

func newHTTPHarness(t *testing.T) *httpHarness {
	t.Helper()
	return newHTTPHarnessWithOrigins(t, nil)
}

func newHTTPHarnessWithOrigins(t *testing.T, origins []string) *httpHarness {
	t.Helper()

	eng := testutil.NewEngine(t, testutil.EngineOptions{})
	hc := observability.NewHealthChecker()
	feed := make(chan core.CoreOutput, 16)
	reg := prometheus.NewRegistry()
	hub := server.NewHub(feed, origins, observability.NewMetrics(reg))

	handler, err := server.NewGateway(server.NewLedgerServer(eng, nil, nil), server.GatewayDeps{
		Health:   hc,
		Stream:   hub,
		Gatherer: reg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return &httpHarness{eng: eng, health: hc, hub: hub, feed: feed, ts: ts}
}

func (h *httpHarness) do(t *testing.T, method, path, caller, body string) (int, map[string]any) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rdr)
	require.NoError(t, err)
	if caller != "" {
		req.Header.Set(server.HTTPCallerHeader, caller)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHTTP_GameRound(t *testing.T) {
	h := newHTTPHarness(t)
	cost := `{"vote":"up","paid_amount":10000}`

	code, body := h.do(t, "POST", "/v1/votes", "w0", cost)
	require.Equal(t, http.StatusOK, code, body)
	candleStart := int64(body["candle"].(float64))

	code, _ = h.do(t, "POST", "/v1/votes", "l0", `{"vote":"down","paid_amount":10000}`)
	require.Equal(t, http.StatusOK, code)

	code, body = h.do(t, "POST", "/v1/votes", "w0", cost)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AlreadyExists", body["code"])

	code, body = h.do(t, "GET", "/v1/candles/current", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(candleStart), body["start"])

	path := "/v1/candles/" + strconv.FormatInt(candleStart, 10)
	code, body = h.do(t, "GET", path, "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["total_votes"])
	assert.Equal(t, false, body["released"])

	code, body = h.do(t, "GET", path+"/votes/l0", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "down", body["vote"])

	code, body = h.do(t, "GET", path+"/voters/up/0", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "w0", body["voter_id"])

	code, _ = h.do(t, "POST", path+"/release", "w0", `{"winning_vote":"up"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = h.do(t, "POST", path+"/release", testutil.Owner.Caller, `{"winning_vote":"up"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(10000), body["pool"])

	code, body = h.do(t, "GET", "/v1/balances/w0", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(4000), body["balance"])

	code, body = h.do(t, "GET", "/v1/funds", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(20000), body["total_funds"])

	code, body = h.do(t, "POST", "/v1/withdrawals", "w0", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(4000), body["amount"])

	code, _ = h.do(t, "POST", "/v1/withdrawals", "w0", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_BadInput(t *testing.T) {
	h := newHTTPHarness(t)

	code, body := h.do(t, "GET", "/v1/candles/abc/votes/x", "", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidArgument", body["code"])

	code, _ = h.do(t, "POST", "/v1/votes", "alice", `{"vote":"sideways","paid_amount":10000}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, "POST", "/v1/votes", "alice", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, "GET", "/v1/history/candles?limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, "GET", "/v1/history/candles", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHTTP_Config(t *testing.T) {
	h := newHTTPHarness(t)
	owner := testutil.Owner.Caller

	code, _ := h.do(t, "PUT", "/v1/config/timeframe", owner, `{"value":5}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, "POST", "/v1/pause", owner, "")
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, "PUT", "/v1/config/timeframe", owner, `{"value":5}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(5), body["timeframe"])

	code, body = h.do(t, "PUT", "/v1/config/beneficiary", owner, `{"value":"treasury"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "treasury", body["beneficiary"])

	code, _ = h.do(t, "POST", "/v1/unpause", owner, "")
	require.Equal(t, http.StatusOK, code)

	code, body = h.do(t, "GET", "/v1/config", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["paused"])
	assert.Equal(t, []any{float64(40), float64(30), float64(20)}, body["prize_shares"])
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	h := newHTTPHarness(t)

	code, _ := h.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)

	code, body := h.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])

	h.health.SetReady(true)
	code, _ = h.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, http.StatusOK, code)

	resp, err := http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "candle_stream_clients")
}

// ===== Test: Websocket feed =====

func TestStream_BroadcastsCommittedEvents(t *testing.T) {
	h := newHTTPHarness(t)

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	persist := make(chan core.CoreOutput, 1)
	eng := testutil.NewEngine(t, testutil.EngineOptions{PersistChan: persist})
	_, err = eng.Vote("alice", event.VoteUp, testutil.Cost)
	require.NoError(t, err)
	h.feed <- <-persist

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "VoteCast", got["event_type"])
	assert.Equal(t, float64(1), got["sequence"])
	assert.Equal(t, "alice", got["payload"].(map[string]any)["voter_id"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStream_SameOriginByDefault(t *testing.T) {
	h := newHTTPHarness(t)
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/stream"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {h.ts.URL}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestStream_AllowedOrigins(t *testing.T) {
	h := newHTTPHarnessWithOrigins(t, []string{"https://app.example"})
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/stream"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {h.ts.URL}})
	require.Error(t, err, "same origin is not implied once a list is configured")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://APP.example"}})
	require.NoError(t, err)
	_ = conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "non-browser clients send no Origin")
	_ = conn.Close()
}

// ===== Test: Shutdown =====

func TestServeGateway_DrainsInflightRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusNoContent)
	})

	eng := testutil.NewEngine(t, testutil.EngineOptions{})
	srv := server.NewServer("", "", server.NewLedgerServer(eng, nil, nil), handler)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.ServeGateway(ctx, lis) }()

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + lis.Addr().String() + "/slow")
		if err != nil {
			statusCh <- 0
			return
		}
		resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	<-entered
	cancel()
	select {
	case err := <-served:
		t.Fatalf("ServeGateway returned with a request in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeGateway did not return after the request finished")
	}
	assert.Equal(t, http.StatusNoContent, <-statusCh)
}
