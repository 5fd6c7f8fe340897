package server

import (
	"CandleLedger/internal/event"
	"CandleLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// HTTPCallerHeader is the HTTP form of CallerHeader.
const HTTPCallerHeader = "X-Caller-ID"

// GatewayDeps holds what the HTTP surface serves besides the ledger itself.
type GatewayDeps struct {
	Health   *observability.HealthChecker
	Stream   *Hub
	Gatherer prometheus.Gatherer
}

// NewGateway serves the ledger as HTTP/JSON. Handlers call srv in process;
// gRPC status codes become HTTP statuses via runtime.HTTPStatusFromCode.
func NewGateway(srv LedgerServer, deps GatewayDeps) (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/votes", bind(srv.Vote, nil)},
		// The mux tries the most recently added pattern first, so the
		// literal "current" is registered after {candle}.
		{"GET", "/v1/candles/{candle}", bind(srv.GetCandle, func(_ *http.Request, pp map[string]string, req *CandleRequest) (err error) {
			req.Candle, err = pathInt(pp, "candle")
			return err
		})},
		{"GET", "/v1/candles/current", bind(srv.CurrentCandle, nil)},
		{"GET", "/v1/candles/{candle}/votes/{voter_id}", bind(srv.GetVote, func(_ *http.Request, pp map[string]string, req *GetVoteRequest) (err error) {
			req.VoterID = pp["voter_id"]
			req.Candle, err = pathInt(pp, "candle")
			return err
		})},
		{"GET", "/v1/candles/{candle}/voters/{vote}/{index}", bind(srv.VoterAt, func(_ *http.Request, pp map[string]string, req *VoterAtRequest) error {
			c, err := pathInt(pp, "candle")
			if err != nil {
				return err
			}
			idx, err := pathInt(pp, "index")
			if err != nil {
				return err
			}
			// "none" parses and is rejected by the engine.
			v, err := event.ParseVote(pp["vote"])
			if err != nil {
				return err
			}
			req.Candle, req.Vote, req.Index = c, v, int(idx)
			return nil
		})},
		{"POST", "/v1/candles/{candle}/release", bind(srv.ReleasePrizes, func(_ *http.Request, pp map[string]string, req *ReleaseRequest) (err error) {
			req.Candle, err = pathInt(pp, "candle")
			return err
		})},
		{"GET", "/v1/balances/{voter_id}", bind(srv.BalanceOf, func(_ *http.Request, pp map[string]string, req *BalanceRequest) error {
			req.VoterID = pp["voter_id"]
			return nil
		})},
		{"GET", "/v1/funds", bind(srv.GetTotalFunds, nil)},
		{"POST", "/v1/withdrawals", bind(srv.Withdraw, nil)},
		{"GET", "/v1/config", bind(srv.GetConfig, nil)},
		{"PUT", "/v1/config/{field}", bind(srv.UpdateConfig, func(_ *http.Request, pp map[string]string, req *UpdateConfigRequest) error {
			req.Field = pp["field"]
			return nil
		})},
		{"POST", "/v1/pause", bind(srv.Pause, nil)},
		{"POST", "/v1/unpause", bind(srv.Unpause, nil)},
		{"GET", "/v1/history/candles", bind(srv.GetCandleHistory, func(r *http.Request, _ map[string]string, req *CandleHistoryRequest) error {
			q := r.URL.Query()
			var err error
			if req.Limit, err = queryInt(q.Get("limit")); err != nil {
				return err
			}
			if req.BeforeCandle, err = queryInt64Ptr(q.Get("before")); err != nil {
				return err
			}
			req.ReleasedOnly = q.Get("released_only") == "true"
			return nil
		})},
		{"GET", "/v1/history/journals/{voter_id}", bind(srv.GetJournalHistory, func(r *http.Request, pp map[string]string, req *JournalHistoryRequest) error {
			q := r.URL.Query()
			req.VoterID = pp["voter_id"]
			var err error
			if req.Limit, err = queryInt(q.Get("limit")); err != nil {
				return err
			}
			req.AfterSequence, err = queryInt64Ptr(q.Get("after"))
			return err
		})},
		{"GET", "/v1/admin/integrity", bind(srv.VerifyIntegrity, nil)},
		{"POST", "/v1/admin/snapshots", bind(srv.TakeSnapshot, nil)},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	if deps.Stream != nil {
		if err := mux.HandlePath("GET", "/v1/stream", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			deps.Stream.ServeWS(w, r)
		}); err != nil {
			return nil, fmt.Errorf("register stream: %w", err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if deps.Gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)

	return httpMux, nil
}

// bind adapts one LedgerServer method to an HTTP handler. Non-GET bodies
// decode into the request before fill applies path and query parameters.
func bind[Req, Resp any](
	call func(context.Context, *Req) (*Resp, error),
	fill func(*http.Request, map[string]string, *Req) error,
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		req := new(Req)

		if r.Method != http.MethodGet && r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
				return
			}
		}
		if fill != nil {
			if err := fill(r, pathParams, req); err != nil {
				writeError(w, status.Error(codes.InvalidArgument, err.Error()))
				return
			}
		}

		resp, err := call(incomingContext(r), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// incomingContext presents the HTTP caller header as gRPC metadata so
// handlers read identity the same way on both transports.
func incomingContext(r *http.Request) context.Context {
	caller := r.Header.Get(HTTPCallerHeader)
	if caller == "" {
		return r.Context()
	}
	return metadata.NewIncomingContext(r.Context(), metadata.Pairs(CallerHeader, caller))
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func pathInt(pp map[string]string, name string) (int64, error) {
	v, err := strconv.ParseInt(pp[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", name, pp[name])
	}
	return v, nil
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return v, nil
}

func queryInt64Ptr(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return &v, nil
}
