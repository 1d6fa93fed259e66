package kernelapi

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/platform/requestctx"
)

// PrincipalHeader carries a caller principal when the server runs with
// AllowPrincipalHeader. It exists for local operator use only.
const PrincipalHeader = "x-modkernel-principal"

// authEnv holds raw env values before post-parse validation.
type authEnv struct {
	Issuer    string `env:"MODKERNEL_AUTH_ISSUER"`
	Audience  string `env:"MODKERNEL_AUTH_AUDIENCE"`
	PublicKey string `env:"MODKERNEL_AUTH_PUBLIC_KEY"`
	// AllowPrincipalHeader trusts PrincipalHeader when no bearer token is sent.
	AllowPrincipalHeader bool `env:"MODKERNEL_AUTH_ALLOW_PRINCIPAL_HEADER"`
}

// AuthConfig defines how bearer tokens are verified.
type AuthConfig struct {
	Issuer               string
	Audience             string
	Key                  ed25519.PublicKey
	AllowPrincipalHeader bool
	Now                  func() time.Time
}

// Enabled reports whether bearer verification is configured.
func (c AuthConfig) Enabled() bool {
	return c.Issuer != "" && c.Audience != "" && len(c.Key) == ed25519.PublicKeySize
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// LoadAuthConfigFromEnv reads token verification configuration. With no
// public key configured the result verifies nothing and only the principal
// header, when allowed, can authenticate callers.
func LoadAuthConfigFromEnv(now func() time.Time) (AuthConfig, error) {
	var raw authEnv
	if err := env.Parse(&raw); err != nil {
		return AuthConfig{}, fmt.Errorf("parse auth env: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	cfg := AuthConfig{AllowPrincipalHeader: raw.AllowPrincipalHeader, Now: now}
	publicKey := strings.TrimSpace(raw.PublicKey)
	if publicKey == "" {
		return cfg, nil
	}
	cfg.Issuer = strings.TrimSpace(raw.Issuer)
	cfg.Audience = strings.TrimSpace(raw.Audience)
	if cfg.Issuer == "" {
		return AuthConfig{}, fmt.Errorf("MODKERNEL_AUTH_ISSUER is required")
	}
	if cfg.Audience == "" {
		return AuthConfig{}, fmt.Errorf("MODKERNEL_AUTH_AUDIENCE is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return AuthConfig{}, fmt.Errorf("decode auth public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return AuthConfig{}, fmt.Errorf("auth public key must be %d bytes", ed25519.PublicKeySize)
	}
	cfg.Key = ed25519.PublicKey(keyBytes)
	return cfg, nil
}

var errInvalidToken = apperrors.New(apperrors.CodeUnauthenticated, "bearer token is invalid")

// VerifyToken checks an EdDSA bearer token and returns its subject.
func VerifyToken(token string, cfg AuthConfig) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	if !cfg.Enabled() {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "bearer tokens are not accepted by this kernel")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	)
	if err != nil {
		return "", mapJWTError(err)
	}
	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "bearer token subject is required")
	}
	return subject, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.New(apperrors.CodeUnauthenticated, "bearer token is expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrEd25519Verification):
		return apperrors.New(apperrors.CodeUnauthenticated, "bearer token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperrors.New(apperrors.CodeUnauthenticated, "bearer token was not issued for this kernel")
	}
	return errInvalidToken
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

func firstMetadataValue(md metadata.MD, key string) string {
	for _, value := range md.Get(key) {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}

// authenticate returns ctx carrying the caller principal, if any. Calls
// without credentials pass through anonymous so health checks and
// introspection keep working; kernel mutations reject them.
func authenticate(ctx context.Context, cfg AuthConfig) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if authz := firstMetadataValue(md, "authorization"); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return nil, apperrors.New(apperrors.CodeUnauthenticated, "authorization must be a bearer token")
		}
		subject, err := VerifyToken(token, cfg)
		if err != nil {
			return nil, err
		}
		return requestctx.WithPrincipal(ctx, subject), nil
	}
	if cfg.AllowPrincipalHeader {
		if principal := firstMetadataValue(md, PrincipalHeader); principal != "" {
			return requestctx.WithPrincipal(ctx, principal), nil
		}
	}
	return ctx, nil
}

// UnaryAuthInterceptor authenticates every unary call and stores the caller
// principal in requestctx.
func UnaryAuthInterceptor(cfg AuthConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		authed, err := authenticate(ctx, cfg)
		if err != nil {
			return nil, apperrors.ToGRPC(err)
		}
		return handler(authed, req)
	}
}
