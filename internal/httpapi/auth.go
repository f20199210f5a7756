package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
)

// AuthManager issues and checks bearer tokens for operators and terminals.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	users      store.UserRepository
	now        func() time.Time
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users store.UserRepository) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		if hashed, err := hashPassword(managerPIN); err == nil {
			managerPIN = hashed
		} else {
			managerPIN = ""
		}
	}
	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		users:      users,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || a.users == nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	account, err := a.users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if !verifyPassword(account.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(account.Username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		User:        domain.AuthUser{Username: account.Username, Role: account.Role},
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &sessionClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("fiscalpos"))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if !isKnownRole(claims.Role) {
		return domain.Actor{}, errors.New("invalid token role")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "fiscalpos",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateManagerPIN is false whenever no PIN was configured.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

// EnsureAccount creates username with a hashed password unless it already
// exists. Existing accounts keep their password.
func (a *AuthManager) EnsureAccount(ctx context.Context, username, password, role string) (bool, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 4 || strings.ContainsAny(username, " \t\r\n") {
		return false, fmt.Errorf("username must be at least 4 characters without spaces")
	}
	if len(password) < 8 {
		return false, fmt.Errorf("password must be at least 8 characters")
	}
	if !isKnownRole(role) {
		return false, fmt.Errorf("unknown role %q", role)
	}

	_, err := a.users.GetUserByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	err = a.users.PutUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  hash,
		Role:      role,
		Active:    true,
		CreatedAt: a.now(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func isKnownRole(role string) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleOperator, domain.RoleTerminal:
		return true
	}
	return false
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
