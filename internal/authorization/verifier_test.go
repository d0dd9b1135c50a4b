package authorization

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/datawallet/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func liveRequest(now time.Time) *models.AuthorizationRequest {
	return &models.AuthorizationRequest{
		TaskID:        "task_1",
		OwnerIdentity: owner,
		Token:         "tok-123",
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestJWTVerifierRoundTrip(t *testing.T) {
	now := time.Now()
	v := NewJWTVerifier(testSecret).WithClock(func() time.Time { return now })
	req := liveRequest(now)

	sig, err := v.Sign(req)
	require.NoError(t, err)
	require.NoError(t, v.Verify(context.Background(), req, sig))
}

func TestJWTVerifierRejections(t *testing.T) {
	now := time.Now()
	v := NewJWTVerifier(testSecret).WithClock(func() time.Time { return now })
	req := liveRequest(now)

	sign := func(claims SignatureClaims, method jwt.SigningMethod, key interface{}) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := SignatureClaims{
		Token:            req.Token,
		TaskID:           req.TaskID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: owner, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}

	wrongToken := valid
	wrongToken.Token = "other"
	wrongSubject := valid
	wrongSubject.Subject = "0xother"
	wrongTask := valid
	wrongTask.TaskID = "task_2"
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))

	cases := map[string]string{
		"garbage":       "not-a-jwt",
		"wrong secret":  sign(valid, jwt.SigningMethodHS256, []byte("another-secret")),
		"wrong token":   sign(wrongToken, jwt.SigningMethodHS256, []byte(testSecret)),
		"wrong subject": sign(wrongSubject, jwt.SigningMethodHS256, []byte(testSecret)),
		"wrong task":    sign(wrongTask, jwt.SigningMethodHS256, []byte(testSecret)),
		"expired":       sign(expired, jwt.SigningMethodHS256, []byte(testSecret)),
		"hs512":         sign(valid, jwt.SigningMethodHS512, []byte(testSecret)),
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, v.Verify(context.Background(), req, sig))
		})
	}
}

func TestJWTVerifierSubjectIsCaseInsensitive(t *testing.T) {
	now := time.Now()
	v := NewJWTVerifier(testSecret).WithClock(func() time.Time { return now })
	req := liveRequest(now)
	signed := *req
	signed.OwnerIdentity = "0xabc0000000000000000000000000000000000001"

	sig, err := v.Sign(&signed)
	require.NoError(t, err)
	require.NoError(t, v.Verify(context.Background(), req, sig))
}

func TestJWTVerifierWithoutSecretRejects(t *testing.T) {
	req := liveRequest(time.Now())
	assert.Error(t, NewJWTVerifier("").Verify(context.Background(), req, "x.y.z"))
}

func TestAcceptAllRequiresSignature(t *testing.T) {
	req := liveRequest(time.Now())
	assert.NoError(t, AcceptAll.Verify(context.Background(), req, "anything"))
	assert.Error(t, AcceptAll.Verify(context.Background(), req, "  "))
}
