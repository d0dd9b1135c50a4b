package authorization

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gotrs-io/datawallet/internal/models"
)

// Verifier decides whether signature proves the owner approved req.
type Verifier interface {
	Verify(ctx context.Context, req *models.AuthorizationRequest, signature string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, req *models.AuthorizationRequest, signature string) error

func (f VerifierFunc) Verify(ctx context.Context, req *models.AuthorizationRequest, signature string) error {
	return f(ctx, req, signature)
}

// AcceptAll approves any non-empty signature. It exists for local development
// and tests, and is selected only by authorization.scheme "none".
var AcceptAll = VerifierFunc(func(_ context.Context, _ *models.AuthorizationRequest, signature string) error {
	if strings.TrimSpace(signature) == "" {
		return errors.New("empty signature")
	}
	return nil
})

// SignatureClaims is the payload of an HS256 authorization signature.
type SignatureClaims struct {
	Token  string `json:"tok"`
	TaskID string `json:"task"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts an HS256 JWT whose subject is the owning identity and
// whose tok claim equals the request token.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// WithClock sets the time used for exp/nbf checks.
func (v *JWTVerifier) WithClock(now func() time.Time) *JWTVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Sign issues a signature for req that expires with it. Owner-side tooling
// and tests use it.
func (v *JWTVerifier) Sign(req *models.AuthorizationRequest) (string, error) {
	claims := SignatureClaims{
		Token:  req.Token,
		TaskID: req.TaskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.OwnerIdentity,
			IssuedAt:  jwt.NewNumericDate(v.now()),
			ExpiresAt: jwt.NewNumericDate(req.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *JWTVerifier) Verify(_ context.Context, req *models.AuthorizationRequest, signature string) error {
	if len(v.secret) == 0 {
		return errors.New("no signing secret configured")
	}
	claims := &SignatureClaims{}
	token, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token is not valid")
	}
	if !strings.EqualFold(claims.Subject, req.OwnerIdentity) {
		return errors.New("subject does not match owner")
	}
	if subtle.ConstantTimeCompare([]byte(claims.Token), []byte(req.Token)) != 1 {
		return errors.New("token claim does not match request")
	}
	if claims.TaskID != "" && claims.TaskID != req.TaskID {
		return errors.New("task claim does not match request")
	}
	return nil
}
