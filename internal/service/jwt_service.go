package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/mailotp/internal/config"
	"github.com/qcom/mailotp/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var ErrWrongTokenType = errors.New("wrong token type")

type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
	logger        *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		now:           time.Now,
		logger:        logger,
	}, nil
}

// Claims identify a verified email address.
type Claims struct {
	Email    string `json:"email"`
	Type     string `json:"type"`
	FamilyID string `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

// IssuedTokens is a signed pair plus the refresh token's own claims, which
// callers persist for rotation and revocation.
type IssuedTokens struct {
	Pair    models.TokenPair
	Refresh *Claims
}

// IssueTokens signs a new access/refresh pair for email. An empty familyID
// starts a new refresh token family.
func (s *JWTService) IssueTokens(email, familyID string) (*IssuedTokens, error) {
	if familyID == "" {
		familyID = uuid.New().String()
	}
	now := s.now()

	access := s.newClaims(email, TokenTypeAccess, "", now, s.accessExpiry)
	accessToken, err := s.sign(access)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh := s.newClaims(email, TokenTypeRefresh, familyID, now, s.refreshExpiry)
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &IssuedTokens{
		Pair: models.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.accessExpiry.Seconds()),
		},
		Refresh: refresh,
	}, nil
}

func (s *JWTService) VerifyToken(tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if wantType != "" && claims.Type != wantType {
		return nil, ErrWrongTokenType
	}

	return claims, nil
}

func (s *JWTService) newClaims(email, tokenType, familyID string, now time.Time, ttl time.Duration) *Claims {
	return &Claims{
		Email:    email,
		Type:     tokenType,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}
}

func (s *JWTService) sign(claims *Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).WithField("type", claims.Type).Error("Failed to sign token")
		return "", err
	}
	return signed, nil
}
