package auth

import (
	"context"

	pkgjwt "github.com/weiawesome/wes-io-live/realtime-service/pkg/jwt"
)

// JWTVerifier validates RS256 tokens locally.
type JWTVerifier struct {
	jwt *pkgjwt.Verifier
}

// NewJWTVerifier wraps a token verifier.
func NewJWTVerifier(v *pkgjwt.Verifier) *JWTVerifier {
	return &JWTVerifier{jwt: v}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, failure("missing token", nil)
	}
	claims, err := v.jwt.ValidateToken(token)
	if err != nil {
		return nil, failure("token rejected", err)
	}
	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
