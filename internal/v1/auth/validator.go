// Package auth validates the tokens presented by connecting sockets and
// derives the authenticated user name handed to the engine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/RichardWithnell/chat-service/internal/v1/logging"
)

// CustomClaims are the JWT claims the service reads. Username, when present,
// takes precedence over the registered subject.
type CustomClaims struct {
	Username string `json:"preferred_username,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator checks a raw token string and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator validates JWTs against a key function, with optional issuer and
// audience checks.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewValidator creates a Validator backed by the JWKS endpoint of domain. The
// key set is cached and refreshed hourly; the initial fetch verifies
// connectivity. Additional jwk.RegisterOption values are passed through for
// testability.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// NewHMACValidator creates a Validator for tokens signed with a shared
// secret. Issuer and audience are not checked.
func NewHMACValidator(secret string) *Validator {
	return &Validator{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	}
}

// ValidateToken parses and validates a token string and returns its claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	var parseOpts []jwt.ParserOption
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	return claims, nil
}

// UserName derives the engine user name from validated claims.
func (c *CustomClaims) UserName() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Subject
}

// ConnectHook builds an onConnect hook that validates the socket's token and
// returns the authenticated user name.
func ConnectHook(v TokenValidator) func(ctx context.Context, authData map[string]string) (string, error) {
	return func(_ context.Context, authData map[string]string) (string, error) {
		token := authData["token"]
		if token == "" {
			return "", errors.New("missing auth token")
		}
		claims, err := v.ValidateToken(token)
		if err != nil {
			return "", err
		}
		name := claims.UserName()
		if name == "" {
			return "", errors.New("token carries no user name")
		}
		return name, nil
	}
}

func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		// Provide sensible defaults for local development if the env var isn't set.
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
