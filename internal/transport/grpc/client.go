package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/opencarrental/identity/internal/keys"
	"github.com/opencarrental/identity/internal/models"
)

// TokenClient — клиент TokenService для ресурсных серверов.
type TokenClient struct {
	cc grpc.ClientConnInterface
}

func NewTokenClient(cc grpc.ClientConnInterface) *TokenClient {
	return &TokenClient{cc: cc}
}

// VerificationKeys загружает JWKS сервера авторизации.
func (c *TokenClient) VerificationKeys(ctx context.Context, opts ...grpc.CallOption) (keys.KeySet, error) {
	const op = "transport.grpc.TokenClient.VerificationKeys"

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetVerificationKeys, &emptypb.Empty{}, out, opts...); err != nil {
		return keys.KeySet{}, fmt.Errorf("%s: %w", op, err)
	}

	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return keys.KeySet{}, fmt.Errorf("%s: %w", op, err)
	}

	var set keys.KeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return keys.KeySet{}, fmt.Errorf("%s: %w", op, err)
	}

	return set, nil
}

// ValidateAccessToken проверяет токен на сервере авторизации.
// Недействительный токен — (nil, false, nil).
func (c *TokenClient) ValidateAccessToken(ctx context.Context, token string, opts ...grpc.CallOption) (*models.AccessToken, bool, error) {
	const op = "transport.grpc.TokenClient.ValidateAccessToken"

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodValidateAccessToken, wrapperspb.String(token), out, opts...); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	m := out.AsMap()
	if valid, _ := m["valid"].(bool); !valid {
		return nil, false, nil
	}

	at := toAccessToken(m)
	at.Value = token

	return at, true, nil
}

// toAccessToken разбирает ответ ValidateAccessToken.
func toAccessToken(m map[string]any) *models.AccessToken {
	at := &models.AccessToken{}
	at.Subject, _ = m["sub"].(string)
	at.ClientID, _ = m["client_id"].(string)
	at.ID, _ = m["jti"].(string)

	if list, ok := m["scope"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				at.Scopes = append(at.Scopes, s)
			}
		}
	}
	if v, ok := m["iat"].(float64); ok {
		at.IssuedAt = time.Unix(int64(v), 0).UTC()
	}
	if v, ok := m["exp"].(float64); ok {
		at.ExpiresAt = time.Unix(int64(v), 0).UTC()
	}

	return at
}
