package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signHMAC(t *testing.T, secret string, claims CustomClaims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestHMACValidator(t *testing.T) {
	v := NewHMACValidator(testSecret)

	claims, err := v.ValidateToken(signHMAC(t, testSecret, CustomClaims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-1",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestHMACValidator_Rejections(t *testing.T) {
	v := NewHMACValidator(testSecret)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.ValidateToken(signHMAC(t, "another-secret-that-is-long-enough", CustomClaims{Username: "alice"}))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.ValidateToken(signHMAC(t, testSecret, CustomClaims{
			Username: "alice",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}))
		assert.Error(t, err)
	})

	t.Run("wrong signing method", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{Username: "alice"})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.ValidateToken(signed)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.ValidateToken("not.a.token")
		assert.Error(t, err)
	})
}

func TestUserName_Precedence(t *testing.T) {
	c := &CustomClaims{Username: "alice", RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}
	assert.Equal(t, "alice", c.UserName())

	c = &CustomClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}
	assert.Equal(t, "user-1", c.UserName())
}

func TestConnectHook(t *testing.T) {
	v := NewHMACValidator(testSecret)
	hook := ConnectHook(v)
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		_, err := hook(ctx, map[string]string{})
		assert.EqualError(t, err, "missing auth token")
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := hook(ctx, map[string]string{"token": "bad"})
		assert.Error(t, err)
	})

	t.Run("valid token", func(t *testing.T) {
		name, err := hook(ctx, map[string]string{
			"token": signHMAC(t, testSecret, CustomClaims{Username: "alice"}),
		})
		require.NoError(t, err)
		assert.Equal(t, "alice", name)
	})

	t.Run("token without a name", func(t *testing.T) {
		_, err := hook(ctx, map[string]string{
			"token": signHMAC(t, testSecret, CustomClaims{}),
		})
		assert.EqualError(t, err, "token carries no user name")
	})
}

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	t.Setenv("ALLOWED_ORIGINS", "")
	assert.Equal(t, defaults, GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", defaults))

	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"},
		GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", defaults))
}
