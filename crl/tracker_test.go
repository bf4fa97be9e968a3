package crl

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/castore/storage"
	"github.com/jmcleod/castore/storage/memory"
)

type issuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &issuer{cert: cert, key: key}
}

func (i *issuer) crl(t *testing.T, number int64, revoked ...int64) []byte {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(number),
		ThisUpdate: now,
		NextUpdate: now.Add(24 * time.Hour),
	}
	for _, serial := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(serial),
			RevocationTime: now,
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, i.cert, i.key)
	require.NoError(t, err)
	return der
}

func TestBaselineBootstrap(t *testing.T) {
	store := memory.NewMetadataStore()
	fs := afero.NewMemMapFs()

	tr, err := NewTracker(t.Context(), "ca1", store, WithArtifact(fs, ArtifactPath("/data", "ca1")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.NextCRLNumber().Int64())

	md, err := store.GetCRLMetadata(t.Context(), "ca1")
	require.NoError(t, err)
	require.NotNil(t, md, "baseline must be persisted")
	assert.Equal(t, int64(0), md.CRLNumber.Int64())
	assert.True(t, md.IssueTime.IsZero())

	der, err := tr.CurrentCRL()
	require.NoError(t, err)
	assert.Nil(t, der)
}

func TestBootstrapFromArtifact(t *testing.T) {
	iss := newIssuer(t)
	store := memory.NewMetadataStore()
	fs := afero.NewMemMapFs()
	path := ArtifactPath("/data", "ca1")
	require.NoError(t, afero.WriteFile(fs, path, iss.crl(t, 17, 3, 4), 0o644))

	tr, err := NewTracker(t.Context(), "ca1", store, WithArtifact(fs, path))
	require.NoError(t, err)
	assert.Equal(t, int64(18), tr.NextCRLNumber().Int64())
	assert.Equal(t, 2, tr.Metadata().RevokedCertCount)

	md, err := store.GetCRLMetadata(t.Context(), "ca1")
	require.NoError(t, err)
	assert.Equal(t, int64(17), md.CRLNumber.Int64())
}

func TestStoredMetadataWinsOverArtifact(t *testing.T) {
	iss := newIssuer(t)
	store := memory.NewMetadataStore()
	require.NoError(t, store.StoreCRLMetadata(t.Context(), "ca1", &storage.CRLMetadata{CRLNumber: big.NewInt(40)}))
	fs := afero.NewMemMapFs()
	path := ArtifactPath("/data", "ca1")
	require.NoError(t, afero.WriteFile(fs, path, iss.crl(t, 3), 0o644))

	tr, err := NewTracker(t.Context(), "ca1", store, WithArtifact(fs, path))
	require.NoError(t, err)
	assert.Equal(t, int64(41), tr.NextCRLNumber().Int64())
}

func TestCorruptArtifactFailsBootstrap(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := ArtifactPath("/data", "ca1")
	require.NoError(t, afero.WriteFile(fs, path, []byte("garbage"), 0o644))

	_, err := NewTracker(t.Context(), "ca1", memory.NewMetadataStore(), WithArtifact(fs, path))
	require.ErrorIs(t, err, ErrInvalidCRL)
}

func TestPublishNeverRegresses(t *testing.T) {
	iss := newIssuer(t)
	store := memory.NewMetadataStore()
	fs := afero.NewMemMapFs()
	path := ArtifactPath("/data", "ca1")

	tr, err := NewTracker(t.Context(), "ca1", store, WithArtifact(fs, path))
	require.NoError(t, err)

	next := tr.NextCRLNumber()
	crl5 := iss.crl(t, next.Int64()+4, 9)
	ok, err := tr.PublishNewCRL(t.Context(), crl5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(6), tr.NextCRLNumber().Int64())

	current, err := tr.CurrentCRL()
	require.NoError(t, err)
	assert.Equal(t, crl5, current)

	// Retried and older publications are no-ops.
	for _, n := range []int64{5, 3} {
		ok, err = tr.PublishNewCRL(t.Context(), iss.crl(t, n))
		require.NoError(t, err)
		assert.False(t, ok)
	}
	current, err = tr.CurrentCRL()
	require.NoError(t, err)
	assert.Equal(t, crl5, current)

	md, err := store.GetCRLMetadata(t.Context(), "ca1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), md.CRLNumber.Int64())
	assert.Equal(t, 1, md.RevokedCertCount)

	// A restart picks up where the last publication left off.
	restarted, err := NewTracker(t.Context(), "ca1", store, WithArtifact(fs, path))
	require.NoError(t, err)
	assert.Equal(t, int64(6), restarted.NextCRLNumber().Int64())
}

func TestPublishRejectedByStore(t *testing.T) {
	iss := newIssuer(t)
	store := memory.NewMetadataStore()

	a, err := NewTracker(t.Context(), "ca1", store)
	require.NoError(t, err)
	b, err := NewTracker(t.Context(), "ca1", store)
	require.NoError(t, err)

	ok, err := a.PublishNewCRL(t.Context(), iss.crl(t, 2))
	require.NoError(t, err)
	assert.True(t, ok)

	// b's in-memory view is stale; the store refuses the lower number.
	ok, err = b.PublishNewCRL(t.Context(), iss.crl(t, 1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), b.NextCRLNumber().Int64())
}

func TestConcurrentPublishHasOneWinner(t *testing.T) {
	iss := newIssuer(t)
	store := memory.NewMetadataStore()
	fs := afero.NewMemMapFs()
	path := ArtifactPath("/data", "ca1")

	a, err := NewTracker(t.Context(), "ca1", store, WithArtifact(fs, path))
	require.NoError(t, err)
	b, err := NewTracker(t.Context(), "ca1", store)
	require.NoError(t, err)
	der := iss.crl(t, 1, 4)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := range n {
		tr := a
		if i%2 == 1 {
			tr = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := tr.PublishNewCRL(t.Context(), der)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				wins++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, wins)

	md, err := store.GetCRLMetadata(t.Context(), "ca1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.CRLNumber.Int64())
	assert.Equal(t, 1, md.RevokedCertCount)
	assert.Equal(t, int64(2), a.NextCRLNumber().Int64())
	assert.Equal(t, int64(2), b.NextCRLNumber().Int64())
}

func TestPublishInvalidCRL(t *testing.T) {
	tr, err := NewTracker(t.Context(), "ca1", memory.NewMetadataStore())
	require.NoError(t, err)
	_, err = tr.PublishNewCRL(t.Context(), []byte("nope"))
	require.ErrorIs(t, err, ErrInvalidCRL)
}
