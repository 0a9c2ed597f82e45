// grpc содержит gRPC-эндпоинты TokenService для ресурсных серверов.
// Здесь выполняется только маппинг данных и ошибок сервисного слоя в gRPC.
//
// Принципы:
//   - ValidateAccessToken при невалидном/просроченном токене НЕ возвращает
//     RPC-ошибку, а отдаёт {valid:false} (контракт эндпоинта);
//   - пустой токен -> codes.InvalidArgument;
//   - иные ошибки -> codes.Internal с единым безопасным сообщением.
package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/opencarrental/identity/internal/keys"
	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/service"
)

// TokenVerifier — операции сервиса, нужные gRPC-слою.
type TokenVerifier interface {
	VerificationKeys() keys.KeySet
	ValidateAccessToken(ctx context.Context, value string) (*models.AccessToken, error)
}

type TokenServer struct {
	service TokenVerifier
}

// NewTokenServer создаёт gRPC-сервер TokenService поверх сервисного слоя.
func NewTokenServer(service TokenVerifier) *TokenServer {
	return &TokenServer{service: service}
}

// GetVerificationKeys возвращает JWKS: {"keys":[{kty,use,kid,alg,n,e}]}.
func (s *TokenServer) GetVerificationKeys(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	set := s.service.VerificationKeys()

	list := make([]any, 0, len(set.Keys))
	for _, k := range set.Keys {
		list = append(list, map[string]any{
			"kty": k.Kty,
			"use": k.Use,
			"kid": k.Kid,
			"alg": k.Alg,
			"n":   k.N,
			"e":   k.E,
		})
	}

	out, err := structpb.NewStruct(map[string]any{"keys": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "internal server error")
	}

	return out, nil
}

// ValidateAccessToken проверяет access-токен.
// Ответ: {valid:true, sub, client_id, scope[], jti, iat, exp} или
// {valid:false, reason:"expired"|"invalid"}.
func (s *TokenServer) ValidateAccessToken(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	const op = "transport.grpc.ValidateAccessToken"

	if req.GetValue() == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s: empty token", op)
	}

	at, err := s.service.ValidateAccessToken(ctx, req.GetValue())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrExpiredToken):
			return invalidResult("expired")
		case errors.Is(err, service.ErrInvalidToken):
			return invalidResult("invalid")
		default:
			return nil, status.Errorf(codes.Internal, "internal server error")
		}
	}

	scopes := make([]any, 0, len(at.Scopes))
	for _, sc := range at.Scopes {
		scopes = append(scopes, sc)
	}

	out, err := structpb.NewStruct(map[string]any{
		"valid":     true,
		"sub":       at.Subject,
		"client_id": at.ClientID,
		"scope":     scopes,
		"jti":       at.ID,
		"iat":       float64(at.IssuedAt.Unix()),
		"exp":       float64(at.ExpiresAt.Unix()),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "internal server error")
	}

	return out, nil
}

func invalidResult(reason string) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]any{"valid": false, "reason": reason})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "internal server error")
	}

	return out, nil
}

var _ TokenServiceServer = (*TokenServer)(nil)
