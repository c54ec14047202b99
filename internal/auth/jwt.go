// Package auth turns access tokens into the principal every order operation receives.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID  string
	IsAdmin bool
}

func (p Principal) Authenticated() bool { return p.UserID != "" }

type Parser struct {
	secret []byte
}

func NewParser(secret string) *Parser {
	return &Parser{secret: []byte(secret)}
}

// Parse validates an HS256 token carrying "user_id" and optional "is_admin" claims.
func (p *Parser) Parse(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("unexpected claims type")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Principal{}, fmt.Errorf("token has no user_id")
	}
	isAdmin, _ := claims["is_admin"].(bool)
	return Principal{UserID: userID, IsAdmin: isAdmin}, nil
}

// Issue signs a token for p. The user service owns login; this is used by tooling and tests.
func (p *Parser) Issue(pr Principal, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":  pr.UserID,
		"is_admin": pr.IsAdmin,
		"exp":      time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
