package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/qcom/mailotp/internal/middleware"
	"github.com/qcom/mailotp/internal/models"
	"github.com/qcom/mailotp/internal/service"
	"github.com/sirupsen/logrus"
)

type OTPService interface {
	RequestOTP(ctx context.Context, email string) service.RequestResult
	VerifyOTP(ctx context.Context, email, code string) bool
}

type TokenIssuer interface {
	IssueTokens(email, familyID string) (*service.IssuedTokens, error)
	VerifyToken(tokenString, wantType string) (*service.Claims, error)
}

type RefreshTokenStore interface {
	Store(ctx context.Context, claims *service.Claims) error
	Rotate(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string) error
	RevokeFamily(ctx context.Context, familyID string) error
}

type UserStore interface {
	GetOrCreate(ctx context.Context, email string) (*models.User, error)
	RecordLogin(ctx context.Context, user *models.User) error
}

type AuthHandlers struct {
	otpService    OTPService
	tokens        TokenIssuer
	refreshTokens RefreshTokenStore
	users         UserStore
	logger        *logrus.Logger
}

func NewAuthHandlers(
	otpService OTPService,
	tokens TokenIssuer,
	refreshTokens RefreshTokenStore,
	users UserStore,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		otpService:    otpService,
		tokens:        tokens,
		refreshTokens: refreshTokens,
		users:         users,
		logger:        logger,
	}
}

type RequestOTPRequest struct {
	Email string `json:"email"`
}

type RequestOTPResponse struct {
	Accepted          bool   `json:"accepted"`
	Message           string `json:"message"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type VerifyOTPResponse struct {
	models.TokenPair
	User UserResponse `json:"user"`
}

type UserResponse struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req RequestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	res := h.otpService.RequestOTP(r.Context(), req.Email)

	resp := RequestOTPResponse{
		Accepted: res.Accepted,
		Message:  res.Message,
		Reason:   string(res.Reason),
	}

	status := http.StatusOK
	switch res.Reason {
	case service.ReasonInvalidAddress, service.ReasonDisposable:
		status = http.StatusBadRequest
	case service.ReasonRateLimited:
		status = http.StatusTooManyRequests
		resp.RetryAfterSeconds = int64(res.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	case service.ReasonDeliveryFailed:
		status = http.StatusBadGateway
	}

	h.respondWithJSON(w, status, resp)
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email, err := service.NormalizeEmail(req.Email)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email address")
		return
	}

	// The code is compared exactly as submitted.
	if !h.otpService.VerifyOTP(r.Context(), email, req.OTP) {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_OTP", "Invalid or expired code")
		return
	}

	user, err := h.users.GetOrCreate(r.Context(), email)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get or create user")
		h.respondWithError(w, http.StatusInternalServerError, "USER_CREATION_FAILED", "Failed to create user")
		return
	}

	if err := h.users.RecordLogin(r.Context(), user); err != nil {
		h.logger.WithError(err).WithField("email", email).Warn("Failed to record login")
	}

	issued, ok := h.issueTokens(w, r, email, "")
	if !ok {
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		TokenPair: issued.Pair,
		User: UserResponse{
			Email: user.Email,
			Name:  user.Name,
		},
	})
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	claims, err := h.tokens.VerifyToken(req.RefreshToken, service.TokenTypeRefresh)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
		return
	}

	rotated, err := h.refreshTokens.Rotate(r.Context(), claims.ID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to rotate refresh token")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return
	}
	if !rotated {
		// A replayed refresh token: cut off the whole sign-in.
		if err := h.refreshTokens.RevokeFamily(r.Context(), claims.FamilyID); err != nil {
			h.logger.WithError(err).Error("Failed to revoke refresh token family")
		}
		h.respondWithError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "Refresh token has been revoked")
		return
	}

	issued, ok := h.issueTokens(w, r, claims.Email, claims.FamilyID)
	if !ok {
		return
	}

	h.respondWithJSON(w, http.StatusOK, issued.Pair)
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.ClaimsFromContext(r.Context()); !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	var req RefreshTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		refreshClaims, err := h.tokens.VerifyToken(req.RefreshToken, service.TokenTypeRefresh)
		if err == nil {
			if err := h.refreshTokens.Revoke(r.Context(), refreshClaims.ID); err != nil {
				h.logger.WithError(err).Debug("Failed to revoke refresh token on logout")
			}
		}
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}
	h.respondWithJSON(w, http.StatusOK, UserResponse{Email: claims.Email})
}

func (h *AuthHandlers) issueTokens(w http.ResponseWriter, r *http.Request, email, familyID string) (*service.IssuedTokens, bool) {
	issued, err := h.tokens.IssueTokens(email, familyID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate tokens")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return nil, false
	}

	if err := h.refreshTokens.Store(r.Context(), issued.Refresh); err != nil {
		// The access token still works; the refresh token will just fail to rotate.
		h.logger.WithError(err).Error("Failed to store refresh token")
	}

	return issued, true
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Debug("Failed to write response")
	}
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
