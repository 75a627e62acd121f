package auth

import (
	"testing"

	"gpu-fusion/app/config"

	"github.com/stretchr/testify/require"
)

func testConfig() config.JWTConfig {
	return config.JWTConfig{Secret: "test-secret", ExpireTime: 24, Issuer: "gpu-fusion"}
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService(testConfig())

	token, err := svc.GenerateToken("admin")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
	require.Equal(t, "gpu-fusion", claims.Issuer)
}

func TestValidateTokenRejectsForeignTokens(t *testing.T) {
	token, err := NewJWTService(testConfig()).GenerateToken("admin")
	require.NoError(t, err)

	otherSecret := testConfig()
	otherSecret.Secret = "another-secret"
	_, err = NewJWTService(otherSecret).ValidateToken(token)
	require.Error(t, err)

	otherIssuer := testConfig()
	otherIssuer.Issuer = "someone-else"
	_, err = NewJWTService(otherIssuer).ValidateToken(token)
	require.Error(t, err)

	_, err = NewJWTService(testConfig()).ValidateToken("not-a-token")
	require.Error(t, err)
}

func TestRefreshTokenOnlyNearExpiry(t *testing.T) {
	svc := NewJWTService(testConfig())
	token, err := svc.GenerateToken("admin")
	require.NoError(t, err)

	_, err = svc.RefreshToken(token)
	require.ErrorContains(t, err, "no need to refresh")

	// 过期时间为 1 小时的令牌立即可以刷新
	short := testConfig()
	short.ExpireTime = 1
	shortSvc := NewJWTService(short)
	token, err = shortSvc.GenerateToken("admin")
	require.NoError(t, err)

	refreshed, err := shortSvc.RefreshToken(token)
	require.NoError(t, err)
	claims, err := shortSvc.ValidateToken(refreshed)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
}
