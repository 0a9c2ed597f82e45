package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "identity.v1.TokenService"

const (
	methodGetVerificationKeys = "/" + ServiceName + "/GetVerificationKeys"
	methodValidateAccessToken = "/" + ServiceName + "/ValidateAccessToken"
)

// TokenServiceServer — серверная сторона identity.v1.TokenService.
// Сообщения — well-known типы protobuf, поэтому отдельная кодогенерация не нужна.
type TokenServiceServer interface {
	GetVerificationKeys(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ValidateAccessToken(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// TokenServiceDesc — описание сервиса для grpc.Server.RegisterService.
var TokenServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TokenServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetVerificationKeys", Handler: getVerificationKeysHandler},
		{MethodName: "ValidateAccessToken", Handler: validateAccessTokenHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterTokenServiceServer регистрирует реализацию на сервере.
func RegisterTokenServiceServer(s grpc.ServiceRegistrar, srv TokenServiceServer) {
	s.RegisterService(&TokenServiceDesc, srv)
}

func getVerificationKeysHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).GetVerificationKeys(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetVerificationKeys}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TokenServiceServer).GetVerificationKeys(ctx, req.(*emptypb.Empty))
	}

	return interceptor(ctx, in, info, handler)
}

func validateAccessTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).ValidateAccessToken(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodValidateAccessToken}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TokenServiceServer).ValidateAccessToken(ctx, req.(*wrapperspb.StringValue))
	}

	return interceptor(ctx, in, info, handler)
}
