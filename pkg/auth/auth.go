package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

const defaultIssuer = "vitals-alert-service"

// Verifier turns an opaque credential into an identity or fails with a
// *models.AuthError.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// Claims is the JWT payload. The subject is the user id.
type Claims struct {
	Name       string   `json:"name,omitempty"`
	Role       string   `json:"role"`
	PatientIDs []string `json:"patient_ids,omitempty"`
	jwt.RegisteredClaims
}

type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: defaultIssuer}
}

// IssueToken signs an HS256 token for id valid for ttl.
func (a *JWTAuthenticator) IssueToken(id models.Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("issue token: empty user id")
	}
	if !id.Role.Valid() {
		return "", fmt.Errorf("issue token: unknown role %q", id.Role)
	}

	now := time.Now()
	claims := &Claims{
		Name:       id.Name,
		Role:       string(id.Role),
		PatientIDs: id.PatientIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *JWTAuthenticator) Verify(ctx context.Context, tokenString string) (models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, &models.AuthError{Reason: err.Error()}
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return models.Identity{}, &models.AuthError{Reason: "missing token"}
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return models.Identity{}, &models.AuthError{Reason: err.Error()}
	}
	if !token.Valid {
		return models.Identity{}, &models.AuthError{Reason: "invalid token"}
	}
	if claims.Issuer != a.issuer {
		return models.Identity{}, &models.AuthError{Reason: fmt.Sprintf("unexpected issuer %q", claims.Issuer)}
	}
	if claims.Subject == "" {
		return models.Identity{}, &models.AuthError{Reason: "token has no subject"}
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.Identity{}, &models.AuthError{Reason: err.Error()}
	}

	return models.Identity{
		UserID:     claims.Subject,
		Name:       claims.Name,
		Role:       role,
		PatientIDs: claims.PatientIDs,
	}, nil
}
