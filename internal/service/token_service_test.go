package service

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := NewTokenService("secret")

	token, err := svc.IssueToken("teacher-1", models.RoleTeacher, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "teacher-1", claims.UserID)
	assert.Equal(t, models.RoleTeacher, claims.Role)
}

func TestTokenServiceRejectsBadTokens(t *testing.T) {
	svc := NewTokenService("secret")

	expired, err := svc.IssueToken("teacher-1", models.RoleTeacher, -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	requireStatus(t, err, http.StatusUnauthorized)

	foreign, err := NewTokenService("other").IssueToken("teacher-1", models.RoleTeacher, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	requireStatus(t, err, http.StatusUnauthorized)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(anonymous)
	requireStatus(t, err, http.StatusUnauthorized)

	_, err = svc.ValidateToken("not-a-token")
	requireStatus(t, err, http.StatusUnauthorized)
}
