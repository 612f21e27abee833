package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/heysubinoy/kvapi/internal/auth"
	"github.com/heysubinoy/kvapi/pkg/kv"
)

// Full method names of the kvapi.KV service.
const (
	kvServiceName = "kvapi.KV"
	GetMethod     = "/" + kvServiceName + "/Get"
	SetMethod     = "/" + kvServiceName + "/Set"
	DeleteMethod  = "/" + kvServiceName + "/Delete"
)

// Struct field names, shared with the HTTP JSON bodies.
const (
	fieldID     = "id"
	fieldValue  = "value"
	fieldStatus = "status"
	fieldFound  = "found"
)

// KVServer is the gRPC surface. Messages are protobuf well-known types so
// the service needs no generated code: ids travel as StringValue, records
// as Struct with the same fields as the HTTP JSON bodies.
type KVServer interface {
	Get(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Set(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: kvServiceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "Delete", Handler: deleteHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterKVServer registers srv on s.
func RegisterKVServer(s grpc.ServiceRegistrar, srv KVServer) {
	s.RegisterService(&kvServiceDesc, srv)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(KVServer).Get(ctx, req.(*wrapperspb.StringValue))
	})
}

func setHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Set(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SetMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(KVServer).Set(ctx, req.(*structpb.Struct))
	})
}

func deleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeleteMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(KVServer).Delete(ctx, req.(*wrapperspb.StringValue))
	})
}

// GRPCServer implements KVServer.
// It wraps a kv.Store and exposes it over gRPC.
type GRPCServer struct {
	Store kv.Store
	Raft  RaftNode // optional, names the leader in not-leader errors
}

var _ KVServer = (*GRPCServer)(nil)

// NewGRPCServer creates a new gRPC server with the given store.
func NewGRPCServer(store kv.Store) *GRPCServer {
	return &GRPCServer{
		Store: store,
	}
}

// Get retrieves a value by id. An absent record has a null value and
// found set to false.
func (s *GRPCServer) Get(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, msgMissingID)
	}

	value, err := s.Store.Get(ctx, id)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, s.grpcError("get", err)
	}
	rec := recordStruct(id, value, "")
	rec.Fields[fieldFound] = structpb.NewBoolValue(err == nil)
	return rec, nil
}

// Set stores a record.
func (s *GRPCServer) Set(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id := fields[fieldID].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, msgMissingID)
	}

	value, err := valueFromStruct(fields[fieldValue])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, msgInvalidJSON)
	}

	if err := s.Store.Set(ctx, id, value); err != nil {
		return nil, s.grpcError("set", err)
	}
	return recordStruct(id, value, "ok"), nil
}

// Delete removes a record.
func (s *GRPCServer) Delete(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, msgMissingID)
	}

	if err := s.Store.Delete(ctx, id); err != nil {
		return nil, s.grpcError("delete", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldStatus: structpb.NewStringValue("deleted"),
		fieldID:     structpb.NewStringValue(id),
	}}, nil
}

// AuthInterceptor enforces the token gate on Set and Delete. The token is
// read from the x-api-token metadata key.
func AuthInterceptor(gate *auth.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod != SetMethod && info.FullMethod != DeleteMethod {
			return handler(ctx, req)
		}
		var token string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(auth.Header); len(vals) > 0 {
				token = vals[0]
			}
		}
		if !gate.Authorize(token) {
			logger.WithField("method", info.FullMethod).Warn("rejected rpc with invalid token")
			return nil, status.Error(codes.Unauthenticated, msgInvalidToken)
		}
		return handler(ctx, req)
	}
}

func (s *GRPCServer) grpcError(op string, err error) error {
	switch {
	case errors.Is(err, kv.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, msgMissingID)
	case errors.Is(err, kv.ErrNotLeader):
		var leader string
		if s.Raft != nil {
			leader = s.Raft.LeaderAddr()
		}
		return notLeaderError(leader)
	case errors.Is(err, kv.ErrUnavailable):
		logger.WithError(err).WithField("op", op).Error("store unavailable")
		return status.Error(codes.Unavailable, msgDBError)
	default:
		logger.WithError(err).WithField("op", op).Error("store operation failed")
		return status.Error(codes.Internal, msgDBError)
	}
}

// notLeaderReason marks not-leader rejections in their ErrorInfo detail.
const notLeaderReason = "NOT_LEADER"

// notLeaderError is an Unavailable status carrying the leader's Raft
// address, when known, in an ErrorInfo detail.
func notLeaderError(leader string) error {
	st := status.New(codes.Unavailable, msgNotLeader)
	info := &errdetails.ErrorInfo{Reason: notLeaderReason, Domain: kvServiceName}
	if leader != "" {
		info.Metadata = map[string]string{"leader": leader}
	}
	if withInfo, err := st.WithDetails(info); err == nil {
		st = withInfo
	}
	return st.Err()
}

// NotLeader reports whether err rejected a write because the server is not
// the leader. leader is the leader's Raft address, or "" if the server did
// not know it.
func NotLeader(err error) (leader string, ok bool) {
	st, isStatus := status.FromError(err)
	if !isStatus || st.Code() != codes.Unavailable {
		return "", false
	}
	for _, d := range st.Details() {
		if info, isInfo := d.(*errdetails.ErrorInfo); isInfo && info.GetReason() == notLeaderReason {
			return info.GetMetadata()["leader"], true
		}
	}
	return "", false
}

// recordStruct builds {id, value[, status]}.
func recordStruct(id string, value *string, st string) *structpb.Struct {
	v := structpb.NewNullValue()
	if value != nil {
		v = structpb.NewStringValue(*value)
	}
	fields := map[string]*structpb.Value{
		fieldID:    structpb.NewStringValue(id),
		fieldValue: v,
	}
	if st != "" {
		fields[fieldStatus] = structpb.NewStringValue(st)
	}
	return &structpb.Struct{Fields: fields}
}

// valueFromStruct mirrors valueFromJSON for Struct values.
func valueFromStruct(v *structpb.Value) (*string, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_StringValue:
		s := k.StringValue
		return &s, nil
	default:
		raw, err := json.Marshal(v.AsInterface())
		if err != nil {
			return nil, fmt.Errorf("encoding value: %w", err)
		}
		s := string(raw)
		return &s, nil
	}
}
