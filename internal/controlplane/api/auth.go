package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// The authentication token issuer/verifier is an external collaborator
// per spec.md §1 — this is a minimal stand-in JWT implementation, just
// enough to gate the in-scope VPS-rental routes, grounded on the
// teacher's own JWTClaims/generateToken/validateToken shape.
const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 14 * 24 * time.Hour
	bcryptCost      = 12
	refreshCookie   = "refresh_token"
)

type tokenPurpose string

const (
	purposeAccess        tokenPurpose = "access"
	purposeRefresh       tokenPurpose = "refresh"
	purposeEmailVerify   tokenPurpose = "verify_email"
	purposePasswordReset tokenPurpose = "reset_password"
)

// JWTClaims is the claim set carried by both access and refresh tokens;
// Purpose distinguishes which one a given token is so a refresh token
// can never be replayed as an access token and vice versa.
type JWTClaims struct {
	UserID  string       `json:"user_id"`
	Email   string       `json:"email"`
	Role    string       `json:"role"`
	Purpose tokenPurpose `json:"purpose"`
	jwt.RegisteredClaims
}

type ctxUser struct{}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        UserInfo  `json:"user"`
}

type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (a *App) jwtSecret() []byte {
	return []byte(a.cfg.SecretKey)
}

func (a *App) signToken(user store.User, purpose tokenPurpose, ttl time.Duration) (string, time.Time, error) {
	expiresAt := time.Now().Add(ttl)
	claims := JWTClaims{
		UserID:  user.ID,
		Email:   user.Email,
		Role:    string(user.Role),
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "vpsctl",
			Subject:   user.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret())
	return signed, expiresAt, err
}

func (a *App) parseToken(tokenString string, want tokenPurpose) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Purpose != want {
		return nil, fmt.Errorf("expected a %s token, got %s", want, claims.Purpose)
	}
	return claims, nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	return string(bytes), err
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (a *App) issueSession(w http.ResponseWriter, user store.User) (AuthResponse, error) {
	access, expiresAt, err := a.signToken(user, purposeAccess, accessTokenTTL)
	if err != nil {
		return AuthResponse{}, err
	}
	refresh, refreshExpiresAt, err := a.signToken(user, purposeRefresh, refreshTokenTTL)
	if err != nil {
		return AuthResponse{}, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    refresh,
		Path:     "/auth",
		Expires:  refreshExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	return AuthResponse{
		AccessToken: access,
		ExpiresAt:   expiresAt,
		User:        UserInfo{ID: user.ID, Email: user.Email, Role: string(user.Role)},
	}, nil
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "email is required and password must be at least 8 characters")
		return
	}

	if _, err := a.repo.GetUserByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process password")
		return
	}

	user, err := a.repo.CreateUser(r.Context(), store.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: passwordHash,
		Role:         store.RoleUser,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	resp, err := a.issueSession(w, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	a.writeAudit(r.Context(), "USER", user.ID, "user.register", "user", user.ID, r)
	writeJSON(w, http.StatusCreated, resp)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := a.repo.GetUserByEmail(r.Context(), req.Email)
	if err != nil || !checkPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	resp, err := a.issueSession(w, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	a.writeAudit(r.Context(), "USER", user.ID, "user.login", "user", user.ID, r)
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}
	claims, err := a.parseToken(cookie.Value, purposeRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}
	user, err := a.repo.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "user no longer exists")
		return
	}
	resp, err := a.issueSession(w, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/auth",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// handleForgotPassword and handleResetPassword use a stateless,
// JWT-signed reset token rather than a persisted token table — this
// subsystem is an external collaborator per spec.md §1 and the domain
// model carries no password_reset_tokens table.
func (a *App) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := a.repo.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		// Do not leak whether the address is registered.
		writeJSON(w, http.StatusOK, map[string]string{"message": "if that email is registered, a reset link was sent"})
		return
	}
	token, _, err := a.signToken(user, purposePasswordReset, time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate reset token")
		return
	}
	if a.mailer != nil {
		_ = a.mailer.SendPasswordReset(r.Context(), user, token)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "if that email is registered, a reset link was sent"})
}

func (a *App) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	claims, err := a.parseToken(req.Token, purposePasswordReset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or expired reset token")
		return
	}
	user, err := a.repo.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or expired reset token")
		return
	}
	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process password")
		return
	}
	user.PasswordHash = passwordHash
	if err := a.repo.UpdateUserPassword(r.Context(), user.ID, passwordHash); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (a *App) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := a.parseToken(token, purposeEmailVerify)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or expired token")
		return
	}
	if err := a.repo.MarkEmailVerified(r.Context(), claims.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to verify email")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "email verified"})
}

// authMiddleware validates the bearer access token and injects its
// claims into the request context.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}
		claims, err := a.parseToken(tokenString, purposeAccess)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(r *http.Request) (*JWTClaims, bool) {
	claims, ok := r.Context().Value(ctxUser{}).(*JWTClaims)
	return claims, ok
}

// peekUserID is passed to the rate limiter, which runs ahead of
// authMiddleware: it needs the caller's identity to key per-user limits
// but must not reject a request solely because peeking at auth failed.
func (a *App) peekUserID(r *http.Request) string {
	tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || tokenString == "" {
		return ""
	}
	claims, err := a.parseToken(tokenString, purposeAccess)
	if err != nil {
		return ""
	}
	return claims.UserID
}
