package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	pkgjwt "github.com/weiawesome/wes-io-live/realtime-service/pkg/jwt"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// Verifier resolves a credential into an Identity. Implementations return an
// error wrapping domain.ErrAuthFailure when the credential is rejected.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Config selects and configures a Verifier.
type Config struct {
	Driver           string        `mapstructure:"driver"` // jwt, grpc
	GRPCAddress      string        `mapstructure:"grpc_address"`
	GRPCTimeout      time.Duration `mapstructure:"grpc_timeout"`
	JWTPublicKeyPath string        `mapstructure:"jwt_public_key_path"`
	JWTIssuer        string        `mapstructure:"jwt_issuer"`
}

// New builds the Verifier named by cfg.Driver.
func New(cfg Config) (Verifier, error) {
	switch cfg.Driver {
	case "", "jwt":
		v, err := pkgjwt.NewVerifierFromFile(cfg.JWTPublicKeyPath, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		return NewJWTVerifier(v), nil
	case "grpc":
		return NewGRPCVerifier(cfg.GRPCAddress, cfg.GRPCTimeout)
	default:
		return nil, fmt.Errorf("unsupported auth driver: %s", cfg.Driver)
	}
}

// Authenticator adapts a Verifier to the REST middleware.
type Authenticator struct {
	Verifier Verifier
}

// Authenticate implements middleware.Authenticator.
func (a Authenticator) Authenticate(ctx context.Context, token string) (string, string, error) {
	id, err := a.Verifier.Verify(ctx, token)
	if err != nil {
		return "", "", err
	}
	return id.UserID, id.Username, nil
}

func failure(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrAuthFailure, reason, err)
	}
	return fmt.Errorf("%w: %s", domain.ErrAuthFailure, reason)
}
