package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrInvalidKey   = errors.New("invalid rsa key")
)

// TokenTypeAccess is the only token type accepted for realtime connections.
const TokenTypeAccess = "access"

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Type     string `json:"type"`
}

// Verifier validates RS256 access tokens issued by the auth service.
type Verifier struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewVerifier creates a verifier for the given public key. An empty issuer
// disables the issuer check.
func NewVerifier(publicKey *rsa.PublicKey, issuer string) (*Verifier, error) {
	if publicKey == nil {
		return nil, ErrInvalidKey
	}
	return &Verifier{publicKey: publicKey, issuer: issuer}, nil
}

// NewVerifierFromFile loads a PEM encoded public key and creates a verifier.
func NewVerifierFromFile(path, issuer string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key, issuer)
}

// ParsePublicKeyPEM accepts both PKIX and PKCS#1 encoded RSA public keys.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, ErrInvalidKey
		}
		return rsaPub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// ValidateToken validates a token and returns claims.
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidToken
		}
		return v.publicKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != "" && claims.Type != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Manager signs access tokens. It is used by tooling and tests that need
// tokens the Verifier accepts.
type Manager struct {
	privateKey *rsa.PrivateKey
	issuer     string
}

// NewManager creates a manager with a freshly generated key pair.
func NewManager(issuer string) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &Manager{privateKey: privateKey, issuer: issuer}, nil
}

// PublicKey returns the verification half of the manager's key pair.
func (m *Manager) PublicKey() *rsa.PublicKey {
	return &m.privateKey.PublicKey
}

// Verifier returns a verifier bound to the manager's public key and issuer.
func (m *Manager) Verifier() *Verifier {
	return &Verifier{publicKey: m.PublicKey(), issuer: m.issuer}
}

// GenerateAccessToken signs an access token for userID valid for ttl.
func (m *Manager) GenerateAccessToken(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   userID,
		Username: username,
		Type:     TokenTypeAccess,
	}
	return m.signToken(claims)
}

// PublicKeyPEM encodes the manager's public key as a PKIX PEM block.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.PublicKey())
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (m *Manager) signToken(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(m.privateKey)
}
