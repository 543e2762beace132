package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/plan"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "aigateway.agent.v1.AgentService"

// AgentServiceServer is the server API for the agent service. Every message
// is a google.protobuf.Struct holding the JSON form of the request and
// response types below.
type AgentServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Confirm(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RollbackLast(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RollbackToVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Timeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes AgentService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", AgentServiceServer.Submit)},
		{MethodName: "Confirm", Handler: unaryHandler("Confirm", AgentServiceServer.Confirm)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", AgentServiceServer.Cancel)},
		{MethodName: "RollbackLast", Handler: unaryHandler("RollbackLast", AgentServiceServer.RollbackLast)},
		{MethodName: "RollbackToVersion", Handler: unaryHandler("RollbackToVersion", AgentServiceServer.RollbackToVersion)},
		{MethodName: "Timeline", Handler: unaryHandler("Timeline", AgentServiceServer.Timeline)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aigateway/agent/v1/agent.proto",
}

// RegisterAgentServiceServer registers srv on s.
func RegisterAgentServiceServer(s grpc.ServiceRegistrar, srv AgentServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(AgentServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AgentServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AgentServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// SubmitRequest carries a planned batch.
type SubmitRequest struct {
	SessionID string      `json:"sessionId"`
	Calls     []plan.Call `json:"calls"`
}

// ConfirmRequest confirms the pending batch. Name is required for
// name-input cards.
type ConfirmRequest struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
}

// SessionRequest addresses a session: Cancel and RollbackLast.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

type RollbackToVersionRequest struct {
	SessionID     string `json:"sessionId"`
	TargetVersion int64  `json:"targetVersion"`
}

type TimelineRequest struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
}

type TimelineResponse struct {
	SessionID      string             `json:"sessionId"`
	CurrentVersion int64              `json:"currentVersion"`
	Entries        []*changelog.Entry `json:"entries"`
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("fromStruct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("fromStruct: %w", err)
	}
	return nil
}
