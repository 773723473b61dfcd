package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/ruleskeeper/internal/core/evaluation"
	"github.com/solatis/ruleskeeper/internal/types"
)

// gRPC service ruleskeeper.v1.RulesEngine. Requests and responses are
// google.protobuf.Struct values carrying the same JSON documents as the
// HTTP API:
//
//	Evaluate: {event, context?, event_id?, async_mode?} -> evaluation response
//	Simulate: {rule_id, event, context?}                -> simulation result
const (
	ServiceName    = "ruleskeeper.v1.RulesEngine"
	evaluateMethod = "/" + ServiceName + "/Evaluate"
	simulateMethod = "/" + ServiceName + "/Simulate"
)

// RulesEngineServer is the server API of ruleskeeper.v1.RulesEngine.
type RulesEngineServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Simulate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RulesEngineServiceDesc describes the service for grpc.Server.RegisterService.
var RulesEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RulesEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "Simulate", Handler: simulateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ruleskeeper/v1/rules_engine.proto",
}

// RegisterRulesEngineServer registers srv on s.
func RegisterRulesEngineServer(s grpc.ServiceRegistrar, srv RulesEngineServer) {
	s.RegisterService(&RulesEngineServiceDesc, srv)
}

func evaluateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RulesEngineServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RulesEngineServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func simulateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RulesEngineServer).Simulate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: simulateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RulesEngineServer).Simulate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RulesEngineClient is the client API of ruleskeeper.v1.RulesEngine.
type RulesEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewRulesEngineClient creates a client on cc.
func NewRulesEngineClient(cc grpc.ClientConnInterface) *RulesEngineClient {
	return &RulesEngineClient{cc: cc}
}

func (c *RulesEngineClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, evaluateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RulesEngineClient) Simulate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, simulateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCService implements RulesEngineServer on the evaluation service.
type GRPCService struct {
	evaluator *evaluation.Service
	logger    *slog.Logger
}

var _ RulesEngineServer = (*GRPCService)(nil)

// NewGRPCService creates the gRPC service.
func NewGRPCService(evaluator *evaluation.Service, logger *slog.Logger) (*GRPCService, error) {
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCService{
		evaluator: evaluator,
		logger:    logger.With("component", "grpc_api"),
	}, nil
}

type grpcEvaluateRequest struct {
	Event   types.Document `json:"event"`
	Context types.Document `json:"context"`
	EventID types.EventID  `json:"event_id"`
	Async   bool           `json:"async_mode"`
}

// Evaluate matches one event against the active rules.
func (s *GRPCService) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req grpcEvaluateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Event == nil {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}
	if req.Context == nil {
		req.Context = types.Document{}
	}

	resp, err := s.evaluator.Evaluate(ctx, evaluation.Request{
		Event:   req.Event,
		Context: req.Context,
		EventID: req.EventID,
		Async:   req.Async,
	})
	if err != nil {
		s.logger.Error("evaluation failed", "event_id", req.EventID, "error", err)
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

type grpcSimulateRequest struct {
	RuleID  types.RuleID   `json:"rule_id"`
	Event   types.Document `json:"event"`
	Context types.Document `json:"context"`
}

// Simulate evaluates one stored rule and returns its trace.
func (s *GRPCService) Simulate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req grpcSimulateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.RuleID == "" {
		return nil, status.Error(codes.InvalidArgument, "rule_id is required")
	}
	if req.Event == nil {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}

	result, err := s.evaluator.Simulate(ctx, req.RuleID, req.Event, req.Context)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(result)
}

// fromStruct decodes a Struct through its JSON form.
func fromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return status.Error(codes.InvalidArgument, "empty request")
	}
	data, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if len(data) > types.MaxPayloadSize {
		return status.Error(codes.ResourceExhausted, types.ErrPayloadTooLarge.Error())
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid request: %v", err))
	}
	return nil
}

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
