package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/ingestion"
	"OptionsLedger/internal/intake"
	"OptionsLedger/internal/market"
	"OptionsLedger/internal/observability"
	"OptionsLedger/internal/query"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct.
const ServiceName = "optionsledger.v1.Ledger"

const adminTokenHeader = "x-admin-token"

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	ledger        *ledgerService
	logger        zerolog.Logger
}

// ServerDeps holds the dependencies of the ledger service.
type ServerDeps struct {
	Engine *core.Engine
	// RiskSource is the risk-parameter source the engine syncs from. Nil
	// disables UpdateRiskParams.
	RiskSource    *state.RiskParamsManager
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	// AdminToken guards admin methods. Empty disables them.
	AdminToken string
}

// NewGRPCServer creates the gRPC server with the ledger, health and
// reflection services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	svc := newLedgerService(deps)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(svc.instrument, svc.authorize))
	grpcServer.RegisterService(svc.desc(), svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		ledger:        svc,
		logger:        deps.Logger,
	}
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves HTTP/JSON until ctx is cancelled. Every RPC is
// reachable as POST /v1/{method}; the handlers run in-process.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler: health endpoints plus the gateway mux.
func (s *GRPCServer) Handler() http.Handler {
	mux := runtime.NewServeMux()
	for name := range s.ledger.methods {
		_ = mux.HandlePath(http.MethodPost, "/v1/"+name, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.ledger.serveHTTP(w, r, name)
		})
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// ============================================================================
// Ledger service
// ============================================================================

type rpcHandler func(ctx context.Context, req *structpb.Struct) (any, error)

type method struct {
	handler rpcHandler
	admin   bool
}

type ledgerService struct {
	engine     *core.Engine
	riskSource *state.RiskParamsManager
	qs         *query.QueryService
	ingest     *ingestion.GRPCIngestService
	adminToken string
	metrics    *observability.Metrics
	logger     zerolog.Logger
	methods    map[string]method
}

func newLedgerService(deps *ServerDeps) *ledgerService {
	s := &ledgerService{
		engine:     deps.Engine,
		riskSource: deps.RiskSource,
		qs:         deps.QueryService,
		ingest:     deps.IngestService,
		adminToken: deps.AdminToken,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
	s.methods = map[string]method{
		"GetAccount":           {handler: s.getAccount},
		"GetBalances":          {handler: s.getBalances},
		"GetPosition":          {handler: s.getPosition},
		"ListOpenInstruments":  {handler: s.listOpenInstruments},
		"GetNonce":             {handler: s.getNonce},
		"GetSettlementTotals":  {handler: s.getSettlementTotals},
		"ListEvents":           {handler: s.listEvents},
		"GetSystemStatus":      {handler: s.getSystemStatus},
		"VerifyIntegrity":      {handler: s.verifyIntegrity, admin: true},
		"UpdateRiskParams":     {handler: s.updateRiskParams, admin: true},
		"SyncRiskParams":       {handler: s.syncRiskParams, admin: true},
		"SetLiquidationParams": {handler: s.setLiquidationParams, admin: true},
		"SetMatcher":           {handler: s.setMatcher, admin: true},
		"SetPaused":            {handler: s.setPaused, admin: true},
		"SubmitCommand":        {handler: s.submitCommand, admin: true},
	}
	return s
}

// desc builds the service descriptor. There is no generated stub: each
// method decodes a Struct and dispatches by name.
func (s *ledgerService) desc() *grpc.ServiceDesc {
	d := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Metadata:    "optionsledger/v1/ledger.proto",
	}
	for name := range s.methods {
		d.Methods = append(d.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    s.grpcHandler(name),
		})
	}
	return d
}

func (s *ledgerService) grpcHandler(name string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return s.call(ctx, name, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, call)
	}
}

// call runs a method and renders its result as a Struct.
func (s *ledgerService) call(ctx context.Context, name string, req *structpb.Struct) (*structpb.Struct, error) {
	m, ok := s.methods[name]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", name)
	}
	out, err := m.handler(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := toStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

func (s *ledgerService) instrument(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(info.FullMethod).Inc()
		s.metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.QueryErrors.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
	}
	return resp, err
}

func (s *ledgerService) authorize(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	name, ours := strings.CutPrefix(info.FullMethod, "/"+ServiceName+"/")
	if m, ok := s.methods[name]; ours && ok && m.admin {
		md, _ := metadata.FromIncomingContext(ctx)
		if !s.adminAllowed(md.Get(adminTokenHeader)) {
			return nil, status.Error(codes.PermissionDenied, "admin token required")
		}
	}
	return handler(ctx, req)
}

func (s *ledgerService) adminAllowed(tokens []string) bool {
	if s.adminToken == "" || len(tokens) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(s.adminToken)) == 1
}

func (s *ledgerService) serveHTTP(w http.ResponseWriter, r *http.Request, name string) {
	writeErr := func(err error) {
		st := status.Convert(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
		_ = json.NewEncoder(w).Encode(map[string]string{"code": st.Code().String(), "message": st.Message()})
	}

	if s.methods[name].admin && !s.adminAllowed(r.Header.Values(adminTokenHeader)) {
		writeErr(status.Error(codes.PermissionDenied, "admin token required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	req := new(structpb.Struct)
	if len(body) > 0 {
		if err := protojson.Unmarshal(body, req); err != nil {
			writeErr(status.Errorf(codes.InvalidArgument, "decode body: %v", err))
			return
		}
	}

	resp, err := s.call(r.Context(), name, req)
	if err != nil {
		writeErr(err)
		return
	}
	data, err := protojson.Marshal(resp)
	if err != nil {
		writeErr(status.Errorf(codes.Internal, "encode: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *ledgerService) getAccount(ctx context.Context, req *structpb.Struct) (any, error) {
	trader, err := addressField(req, "trader")
	if err != nil {
		return nil, err
	}
	return s.qs.GetAccount(ctx, trader)
}

func (s *ledgerService) getBalances(ctx context.Context, req *structpb.Struct) (any, error) {
	trader, err := addressField(req, "trader")
	if err != nil {
		return nil, err
	}
	bals, err := s.qs.GetBalances(ctx, trader)
	if err != nil {
		return nil, err
	}
	return map[string]any{"trader": trader, "balances": bals}, nil
}

func (s *ledgerService) getPosition(ctx context.Context, req *structpb.Struct) (any, error) {
	trader, err := addressField(req, "trader")
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "instrument_id", true)
	if err != nil {
		return nil, err
	}
	return s.qs.GetPosition(ctx, trader, id), nil
}

func (s *ledgerService) listOpenInstruments(ctx context.Context, req *structpb.Struct) (any, error) {
	trader, err := addressField(req, "trader")
	if err != nil {
		return nil, err
	}
	offset, err := uintField(req, "offset", false)
	if err != nil {
		return nil, err
	}
	limit, err := uintField(req, "limit", false)
	if err != nil {
		return nil, err
	}
	return s.qs.ListOpenInstruments(ctx, trader, int(offset), int(limit)), nil
}

func (s *ledgerService) getNonce(ctx context.Context, req *structpb.Struct) (any, error) {
	trader, err := addressField(req, "trader")
	if err != nil {
		return nil, err
	}
	return map[string]any{"trader": trader, "nonce": s.qs.GetNonce(ctx, trader)}, nil
}

func (s *ledgerService) getSettlementTotals(ctx context.Context, req *structpb.Struct) (any, error) {
	id, err := uintField(req, "instrument_id", true)
	if err != nil {
		return nil, err
	}
	return s.qs.GetSettlementTotals(ctx, id), nil
}

func (s *ledgerService) listEvents(ctx context.Context, req *structpb.Struct) (any, error) {
	f := query.EventFilter{EventType: req.GetFields()["event_type"].GetStringValue()}
	if _, ok := req.GetFields()["instrument_id"]; ok {
		id, err := uintField(req, "instrument_id", true)
		if err != nil {
			return nil, err
		}
		f.InstrumentID = &id
	}
	before, err := uintField(req, "before_sequence", false)
	if err != nil {
		return nil, err
	}
	limit, err := uintField(req, "limit", false)
	if err != nil {
		return nil, err
	}
	f.BeforeSequence, f.Limit = int64(before), int(limit)

	events, err := s.qs.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (s *ledgerService) getSystemStatus(ctx context.Context, _ *structpb.Struct) (any, error) {
	risk := s.engine.RiskConfig(ctx)
	tip := s.engine.StateHash(ctx)
	return map[string]any{
		"last_sequence":      s.engine.Sequence(ctx) - 1,
		"state_hash":         common.Hash(tip).Hex(),
		"paused":             s.engine.Paused(ctx),
		"matcher":            s.engine.Matcher(ctx),
		"backstop":           s.engine.Backstop(),
		"risk_version":       risk.Version,
		"risk_params":        risk.Params,
		"liquidation_params": risk.Liquidation,
	}, nil
}

func (s *ledgerService) verifyIntegrity(ctx context.Context, _ *structpb.Struct) (any, error) {
	return s.qs.VerifyIntegrity(ctx)
}

func (s *ledgerService) syncRiskParams(ctx context.Context, _ *structpb.Struct) (any, error) {
	cfg, err := s.engine.SyncRiskParams(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": cfg.Version, "params": cfg.Params}, nil
}

// updateRiskParams installs a new triple at the source. The engine keeps its
// cached copy, and rejects risk-checked operations, until SyncRiskParams.
func (s *ledgerService) updateRiskParams(_ context.Context, req *structpb.Struct) (any, error) {
	if s.riskSource == nil {
		return nil, status.Error(codes.Unavailable, "risk parameter source is not configured")
	}
	base, err := addressField(req, "base_asset")
	if err != nil {
		return nil, err
	}
	mm, err := amountField(req, "base_maintenance_margin")
	if err != nil {
		return nil, err
	}
	imFactor, err := uintField(req, "im_factor_bps", true)
	if err != nil {
		return nil, err
	}
	params := state.RiskParams{BaseAsset: base, BaseMaintenanceMargin: mm, IMFactorBps: imFactor}
	version, err := s.riskSource.UpdateRiskParams(params)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Uint64("version", version).Msg("risk params source updated")
	return map[string]any{"version": version, "params": params}, nil
}

// setLiquidationParams overrides the fields present in the request and keeps
// the engine's current value for the rest.
func (s *ledgerService) setLiquidationParams(ctx context.Context, req *structpb.Struct) (any, error) {
	p := s.engine.RiskConfig(ctx).Liquidation
	fields := []struct {
		name string
		dst  *uint64
	}{
		{"threshold_bps", &p.ThresholdBps},
		{"close_factor_bps", &p.CloseFactorBps},
		{"min_improvement_bps", &p.MinImprovementBps},
		{"spread_bps", &p.SpreadBps},
		{"floor_bps", &p.FloorBps},
		{"penalty_bps", &p.PenaltyBps},
	}
	for _, f := range fields {
		if _, ok := req.GetFields()[f.name]; !ok {
			continue
		}
		v, err := uintField(req, f.name, true)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	if _, ok := req.GetFields()["max_oracle_staleness_seconds"]; ok {
		secs, err := uintField(req, "max_oracle_staleness_seconds", true)
		if err != nil {
			return nil, err
		}
		p.MaxOracleStaleness = time.Duration(secs) * time.Second
	}

	if err := s.engine.SetLiquidationParams(ctx, p); err != nil {
		return nil, err
	}
	return map[string]any{"liquidation_params": s.engine.RiskConfig(ctx).Liquidation}, nil
}

func (s *ledgerService) setMatcher(ctx context.Context, req *structpb.Struct) (any, error) {
	matcher, err := addressField(req, "matcher")
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetMatcher(ctx, matcher); err != nil {
		return nil, err
	}
	return map[string]any{"matcher": s.engine.Matcher(ctx)}, nil
}

func (s *ledgerService) setPaused(ctx context.Context, req *structpb.Struct) (any, error) {
	v, ok := req.GetFields()["paused"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "paused is required")
	}
	if err := s.engine.SetPaused(ctx, v.GetBoolValue()); err != nil {
		return nil, err
	}
	return map[string]any{"paused": s.engine.Paused(ctx)}, nil
}

func (s *ledgerService) submitCommand(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unavailable, "command ingest is not configured")
	}
	kind := req.GetFields()["kind"].GetStringValue()
	cmd := req.GetFields()["command"].GetStructValue()
	if kind == "" || cmd == nil {
		return nil, status.Error(codes.InvalidArgument, "kind and command are required")
	}
	data, err := protojson.Marshal(cmd)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "command: %v", err)
	}
	if err := s.ingest.Inject(ctx, ingestion.CommandKind(kind), data); err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true, "last_sequence": s.engine.Sequence(ctx) - 1}, nil
}

// ============================================================================
// Helpers
// ============================================================================

func addressField(req *structpb.Struct, name string) (common.Address, error) {
	v := req.GetFields()[name].GetStringValue()
	if !common.IsHexAddress(v) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s must be a hex address", name)
	}
	return common.HexToAddress(v), nil
}

// amountField reads a required uint256 sent as a decimal string.
func amountField(req *structpb.Struct, name string) (*uint256.Int, error) {
	v := req.GetFields()[name].GetStringValue()
	if v == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s is required as a decimal string", name)
	}
	n, err := uint256.FromDecimal(v)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return n, nil
}

// uintField reads a non-negative integer sent as a JSON number or a decimal
// string.
func uintField(req *structpb.Struct, name string, required bool) (uint64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		if required {
			return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
		}
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 || k.NumberValue != float64(uint64(k.NumberValue)) {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", name)
		}
		return uint64(k.NumberValue), nil
	case *structpb.Value_StringValue:
		var n uint64
		if _, err := fmt.Sscan(k.StringValue, &n); err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
}

// toStruct renders v through its JSON form, so uint256 amounts travel as
// decimal strings and addresses as hex.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// toStatus maps ledger errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.FailedPrecondition
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, ingestion.ErrDuplicateCommand):
		code = codes.AlreadyExists
	case errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, ingestion.ErrUnknownCommand),
		errors.Is(err, core.ErrZeroAddress),
		errors.Is(err, core.ErrZeroQuantity),
		errors.Is(err, core.ErrZeroPrice),
		errors.Is(err, core.ErrZeroAmount),
		errors.Is(err, core.ErrSelfTrade),
		errors.Is(err, core.ErrLengthMismatch),
		errors.Is(err, state.ErrInvalidRiskParams):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrUnauthorizedCaller),
		errors.Is(err, intake.ErrInvalidSignature):
		code = codes.PermissionDenied
	case errors.Is(err, market.ErrInstrumentNotFound):
		code = codes.NotFound
	case errors.Is(err, market.ErrPriceUnavailable),
		errors.Is(err, market.ErrStalePrice),
		errors.Is(err, query.ErrNoEventLog):
		code = codes.Unavailable
	case errors.Is(err, core.ErrReentrantCall):
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
