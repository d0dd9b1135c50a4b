package content

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/retry"
	"github.com/gotrs-io/datawallet/internal/storage"
)

const (
	generatorPubKey  = "0x0479be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8"
	generatorAddress = "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"
)

var quietLogger = log.New(io.Discard, "", 0)

type tamperingStore struct {
	storage.ContentStore
	replacement []byte
}

func (t tamperingStore) Retrieve(context.Context, string) ([]byte, error) {
	return t.replacement, nil
}

type flakyStore struct {
	storage.ContentStore
	failures int
	calls    int
}

func (f *flakyStore) Name() string { return "flaky" }

func (f *flakyStore) Publish(ctx context.Context, data []byte, meta storage.Metadata) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("503 service unavailable")
	}
	return f.ContentStore.Publish(ctx, data, meta)
}

func newFS(t *testing.T) *storage.FilesystemStore {
	t.Helper()
	fs, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestVerifyRoundTrip(t *testing.T) {
	svc := NewService(newFS(t), WithLogger(quietLogger))
	ctx := context.Background()
	data := []byte("artifact bytes")
	artifact := models.ContentArtifact{Role: models.RoleAttachment, Name: "a.pdf", Hash: models.HashContent(data)}

	locator, res, err := svc.PublishAndVerify(ctx, artifact, data, "task_1")
	require.NoError(t, err)
	assert.NotEmpty(t, locator)
	assert.True(t, res.ContentVerified)
	assert.Equal(t, artifact.Hash, res.ActualHash)

	pinned, err := svc.IsPinned(ctx, locator)
	require.NoError(t, err)
	assert.True(t, pinned)
}

func TestVerifyDetectsTampering(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	data := []byte("original")
	locator, err := fs.Publish(ctx, data, storage.Metadata{})
	require.NoError(t, err)

	svc := NewService(tamperingStore{ContentStore: fs, replacement: []byte("tampered")}, WithLogger(quietLogger))
	res, err := svc.Verify(ctx, locator, models.HashContent(data))

	require.Error(t, err)
	assert.True(t, IsIntegrityError(err))
	require.NotNil(t, res)
	assert.False(t, res.ContentVerified)
	assert.Equal(t, models.HashContent(data), res.ExpectedHash)
	assert.Equal(t, models.HashContent([]byte("tampered")), res.ActualHash)
}

type downStore struct{ name string }

func (d downStore) Name() string { return d.name }
func (d downStore) Publish(context.Context, []byte, storage.Metadata) (string, error) {
	return "", errors.New("connection refused")
}
func (d downStore) Retrieve(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (d downStore) IsPinned(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRetrieveAllEndpointsUnreachable(t *testing.T) {
	store := storage.NewFallbackStore(downStore{"primary"}, downStore{"gw1"}, downStore{"gw2"})
	svc := NewService(store, WithLogger(quietLogger))

	res, err := svc.Verify(context.Background(), "bafkreiexample", "00")
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Len(t, rerr.Causes, 3)
	assert.False(t, res.ContentVerified)
}

func TestPublishRetriesThenWrapsError(t *testing.T) {
	fs := newFS(t)
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	flaky := &flakyStore{ContentStore: fs, failures: 2}
	svc := NewService(flaky, WithLogger(quietLogger), WithPublishBoundary(retry.Boundary{Policy: policy}))
	_, err := svc.Publish(context.Background(), []byte("x"), storage.Metadata{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)

	flaky = &flakyStore{ContentStore: fs, failures: 5}
	svc = NewService(flaky, WithLogger(quietLogger), WithPublishBoundary(retry.Boundary{Policy: policy}))
	_, err = svc.Publish(context.Background(), []byte("x"), storage.Metadata{Name: "x"})
	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "flaky", perr.Endpoint)
	assert.Equal(t, 3, flaky.calls)
}

func TestDeriveAddressIsPure(t *testing.T) {
	first, err := DeriveAddress(generatorPubKey)
	require.NoError(t, err)
	second, err := DeriveAddress(generatorPubKey)
	require.NoError(t, err)
	assert.Equal(t, generatorAddress, first)
	assert.Equal(t, first, second)

	withoutMarker, err := DeriveAddress(generatorPubKey[4:])
	require.NoError(t, err)
	assert.Equal(t, generatorAddress, withoutMarker)

	_, err = DeriveAddress("0x1234")
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestVerifyWallet(t *testing.T) {
	svc := NewService(newFS(t), WithLogger(quietLogger))
	cases := []struct {
		name    string
		payload string
		want    bool
	}{
		{"match", `{"owner_identity":"0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf","address":"0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf","public_key":"` + generatorPubKey + `"}`, true},
		{"non address owner", `{"owner_identity":"alice","address":"` + generatorAddress + `","public_key":"` + generatorPubKey + `"}`, true},
		{"wrong address", `{"address":"0x0000000000000000000000000000000000000001","public_key":"` + generatorPubKey + `"}`, false},
		{"owner mismatch", `{"owner_identity":"0x0000000000000000000000000000000000000001","address":"` + generatorAddress + `","public_key":"` + generatorPubKey + `"}`, false},
		{"bad key", `{"address":"` + generatorAddress + `","public_key":"zz"}`, false},
		{"missing key", `{"address":"` + generatorAddress + `"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.VerifyWallet([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.WalletVerified, res.Reason)
		})
	}

	_, err := svc.VerifyWallet([]byte("not json"))
	require.Error(t, err)
}
