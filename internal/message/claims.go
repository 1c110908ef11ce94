package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenUnreadable = errors.New("token is not a readable JWT")

// TokenClaims are the fields the chat backend puts in its bearer tokens.
type TokenClaims struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	CreatedTime time.Time `json:"-"`
}

type tokenClaims struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	CreatedTime float64 `json:"created_time"`
	jwt.RegisteredClaims
}

// Claims decodes the token payload without verifying its signature.
// The client never holds the signing key; this is for display and logging only.
func (c ConnectionInfo) Claims() (TokenClaims, error) {
	var claims tokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(c.Token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrTokenUnreadable, err)
	}
	out := TokenClaims{ID: claims.ID, Name: claims.Name}
	if claims.CreatedTime > 0 {
		sec := int64(claims.CreatedTime)
		nsec := int64((claims.CreatedTime - float64(sec)) * float64(time.Second))
		out.CreatedTime = time.Unix(sec, nsec).UTC()
	}
	return out, nil
}
