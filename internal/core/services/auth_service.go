package services

import (
	"context"
	"errors"
	"time"

	"tilecast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
)

type AuthService interface {
	GenerateToken(clientID domain.ClientID, name string) (string, error)
	GenerateRefreshToken(clientID domain.ClientID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	// ValidatePresenterToken returns the presenter a websocket token was issued to.
	ValidatePresenterToken(tokenString string) (domain.ClientID, error)
	AccessTokenTTL() time.Duration
}

type Claims struct {
	ClientID domain.ClientID `json:"client_id"`
	Name     string          `json:"name,omitempty"`
	Kind     string          `json:"kind"`
	jwt.RegisteredClaims
}

type clientIDKey struct{}

// WithClientID stores the authenticated presenter on ctx.
func WithClientID(ctx context.Context, id domain.ClientID) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the presenter stored by WithClientID.
func ClientIDFromContext(ctx context.Context) (domain.ClientID, error) {
	id, ok := ctx.Value(clientIDKey{}).(domain.ClientID)
	if !ok || id == "" {
		return "", ErrUnauthorized
	}
	return id, nil
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	now             func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL, refreshTokenTTL time.Duration) AuthService {
	if accessTokenTTL <= 0 {
		accessTokenTTL = 15 * time.Minute
	}
	if refreshTokenTTL <= 0 {
		refreshTokenTTL = 7 * 24 * time.Hour
	}
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

func (s *authService) AccessTokenTTL() time.Duration { return s.accessTokenTTL }

func (s *authService) GenerateToken(clientID domain.ClientID, name string) (string, error) {
	return s.sign(clientID, name, tokenKindAccess, s.accessTokenTTL)
}

func (s *authService) GenerateRefreshToken(clientID domain.ClientID) (string, error) {
	return s.sign(clientID, "", tokenKindRefresh, s.refreshTokenTTL)
}

func (s *authService) sign(clientID domain.ClientID, name, kind string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		ClientID: clientID,
		Name:     name,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(clientID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Kind != tokenKindAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Kind != tokenKindRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) ValidatePresenterToken(tokenString string) (domain.ClientID, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.ClientID, nil
}
