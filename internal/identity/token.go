package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"coachline/internal/permission"
)

type sessionClaims struct {
	jwt.RegisteredClaims
	Role  permission.Role `json:"role"`
	Level int             `json:"level"`
}

type signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func (s signer) issue(acct Account) (string, TokenPayload, error) {
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	jti := uuid.NewString()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.ID,
			Issuer:    s.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:  acct.Role,
		Level: acct.Level,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", TokenPayload{}, err
	}
	return token, TokenPayload{
		UserID:    acct.ID,
		Role:      acct.Role,
		Level:     acct.Level,
		TokenID:   jti,
		IssuedAt:  now.Unix(),
		ExpiresAt: exp.Unix(),
	}, nil
}

func (s signer) parse(token string) (TokenPayload, error) {
	if strings.TrimSpace(token) == "" {
		return TokenPayload{}, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return TokenPayload{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return TokenPayload{}, errors.Join(ErrInvalidToken, errors.New("subject and id claims required"))
	}
	p := TokenPayload{
		UserID:  claims.Subject,
		Role:    claims.Role,
		Level:   claims.Level,
		TokenID: claims.ID,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return p, nil
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
