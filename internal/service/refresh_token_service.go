package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/mailotp/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// RefreshTokenService tracks issued refresh tokens in Redis so they can be
// rotated once and revoked per family.
type RefreshTokenService struct {
	client redis.UniversalClient
	logger *logrus.Logger
}

func NewRefreshTokenService(client redis.UniversalClient, logger *logrus.Logger) *RefreshTokenService {
	return &RefreshTokenService{
		client: client,
		logger: logger,
	}
}

func tokenKey(jti string) string {
	return fmt.Sprintf("refresh_token:%s", jti)
}

func familyKey(familyID string) string {
	return fmt.Sprintf("refresh_family:%s", familyID)
}

func (s *RefreshTokenService) Store(ctx context.Context, claims *Claims) error {
	tokenData := models.RefreshTokenData{
		JTI:       claims.ID,
		Email:     claims.Email,
		FamilyID:  claims.FamilyID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}

	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := time.Until(tokenData.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(tokenData.JTI), dataJSON, ttl)
	pipe.SAdd(ctx, familyKey(tokenData.FamilyID), tokenData.JTI)
	pipe.Expire(ctx, familyKey(tokenData.FamilyID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RefreshTokenService) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	return readToken(ctx, s.client, jti)
}

func readToken(ctx context.Context, c stringGetter, jti string) (*models.RefreshTokenData, error) {
	dataJSON, err := c.Get(ctx, tokenKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var tokenData models.RefreshTokenData
	if err := json.Unmarshal([]byte(dataJSON), &tokenData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &tokenData, nil
}

// Rotate marks jti as used. It returns false when the token was unknown,
// already revoked or rotated concurrently by another request, which callers
// treat as a replayed token.
func (s *RefreshTokenService) Rotate(ctx context.Context, jti string) (bool, error) {
	key := tokenKey(jti)
	rotated := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		tokenData, err := readToken(ctx, tx, jti)
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if tokenData.Revoked {
			return nil
		}

		tokenData.Revoked = true
		dataJSON, err := json.Marshal(tokenData)
		if err != nil {
			return fmt.Errorf("failed to marshal token data: %w", err)
		}

		// EXEC fails with TxFailedErr if key changed since WATCH.
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, dataJSON, redis.SetArgs{KeepTTL: true})
			return nil
		}); err != nil {
			return err
		}
		rotated = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		s.logger.WithField("jti", jti).Warn("Concurrent refresh token rotation rejected")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return rotated, nil
}

func (s *RefreshTokenService) Revoke(ctx context.Context, jti string) error {
	tokenData, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	return s.revoke(ctx, tokenData)
}

func (s *RefreshTokenService) revoke(ctx context.Context, tokenData *models.RefreshTokenData) error {
	tokenData.Revoked = true
	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	// KEEPTTL so a revoked token disappears when it would have expired anyway.
	if err := s.client.SetArgs(ctx, tokenKey(tokenData.JTI), dataJSON, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return nil
}

// RevokeFamily revokes every refresh token descended from the same sign-in.
func (s *RefreshTokenService) RevokeFamily(ctx context.Context, familyID string) error {
	members, err := s.client.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list refresh token family: %w", err)
	}

	for _, jti := range members {
		if err := s.Revoke(ctx, jti); err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
			s.logger.WithError(err).WithField("jti", jti).Warn("Failed to revoke refresh token in family")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"family_id": familyID,
		"tokens":    len(members),
	}).Info("Refresh token family revoked")
	return nil
}
