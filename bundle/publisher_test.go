package bundle

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/jmcleod/castore/storage"
	"github.com/jmcleod/castore/storage/memory"
)

func newKey(t *testing.T) crypto.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// issue stores a self-signed certificate for cn under serial, valid from
// notBefore for ttl.
func issue(t *testing.T, repo storage.Repository, serial int64, cn string, key crypto.Signer, notBefore time.Time, ttl time.Duration) {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(ttl),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	require.NoError(t, repo.AddCertificate(t.Context(), der, big.NewInt(serial), notBefore, notBefore.Add(ttl)))
}

func readBundle(t *testing.T, fs afero.Fs, path string) []*x509.Certificate {
	t.Helper()
	der, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	return p7.Certificates
}

func serialsOf(certs []*x509.Certificate) []int64 {
	out := make([]int64, len(certs))
	for i, c := range certs {
		out[i] = c.SerialNumber.Int64()
	}
	return out
}

func TestPublishFiltersAndDeduplicates(t *testing.T) {
	ctx := t.Context()
	fs := afero.NewMemMapFs()
	repo := memory.NewRepository("ca")
	now := time.Now().UTC().Truncate(time.Second)
	anchor := newKey(t)

	issue(t, repo, 1, "anchor", anchor, now.Add(-48*time.Hour), 30*24*time.Hour)
	issue(t, repo, 2, "anchor", anchor, now.Add(-24*time.Hour), 30*24*time.Hour) // newer, same subject and key
	issue(t, repo, 3, "anchor", newKey(t), now.Add(-72*time.Hour), 30*24*time.Hour)
	issue(t, repo, 4, "expired", newKey(t), now.Add(-48*time.Hour), time.Hour)
	issue(t, repo, 5, "future", newKey(t), now.Add(24*time.Hour), time.Hour)
	issue(t, repo, 6, "revoked", newKey(t), now.Add(-time.Hour), 24*time.Hour)
	issue(t, repo, 7, "held", newKey(t), now.Add(-time.Hour), 24*time.Hour)
	require.NoError(t, repo.RevokeCertificate(ctx, big.NewInt(6), storage.ReasonKeyCompromise, now))
	require.NoError(t, repo.RevokeCertificate(ctx, big.NewInt(7), storage.ReasonCertificateHold, now))
	require.NoError(t, repo.AddCertificate(ctx, []byte("garbage"), big.NewInt(8), now, now.Add(time.Hour)))

	p := NewPublisher(fs, "/data")
	snap, err := p.Publish(ctx, "ca", repo)
	require.NoError(t, err)
	assert.Equal(t, "ca", snap.Instance)
	assert.Equal(t, "/data/instances/ca/repository/certs.p7b", snap.Path)
	assert.Equal(t, 2, snap.CertCount)

	assert.Equal(t, []int64{2, 3}, serialsOf(readBundle(t, fs, snap.Path)))
}

func TestPublishTieBreaks(t *testing.T) {
	ctx := t.Context()
	fs := afero.NewMemMapFs()
	repo := memory.NewRepository("ca")
	nb := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	key := newKey(t)

	// Same NotBefore: the later issue date wins, then the higher serial.
	tmplDER := func(serial int64) []byte {
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: "anchor"},
			NotBefore:    nb,
			NotAfter:     nb.Add(24 * time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
		require.NoError(t, err)
		return der
	}
	require.NoError(t, repo.AddCertificate(ctx, tmplDER(10), big.NewInt(10), nb.Add(time.Minute), nb.Add(24*time.Hour)))
	require.NoError(t, repo.AddCertificate(ctx, tmplDER(11), big.NewInt(11), nb, nb.Add(24*time.Hour)))

	p := NewPublisher(fs, "/data")
	snap, err := p.Publish(ctx, "ca", repo)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, serialsOf(readBundle(t, fs, snap.Path)))

	require.NoError(t, repo.AddCertificate(ctx, tmplDER(12), big.NewInt(12), nb.Add(time.Minute), nb.Add(24*time.Hour)))
	snap, err = p.Publish(ctx, "ca", repo)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, serialsOf(readBundle(t, fs, snap.Path)))
}

func TestSameSubjectAndKeyNormalizes(t *testing.T) {
	key := newKey(t)
	mk := func(cn string, k crypto.Signer) *x509.Certificate {
		tmpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: cn},
			NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, k.Public(), k)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		return cert
	}
	composed := mk("caf\u00e9", key)
	decomposed := mk("cafe\u0301", key)
	assert.True(t, SameSubjectAndKey(composed, decomposed))
	assert.False(t, SameSubjectAndKey(composed, mk("caf\u00e9", newKey(t))))
	assert.False(t, SameSubjectAndKey(composed, mk("other", key)))
	assert.True(t, SameSubject(composed, mk("caf\u00e9", newKey(t))))
}

func TestOpenUnknownInstance(t *testing.T) {
	p := NewPublisher(afero.NewMemMapFs(), "/data")
	_, _, err := p.Open(t.Context(), "nope")
	require.ErrorIs(t, err, storage.ErrUnknownInstance)

	_, ok := p.Snapshot("nope")
	assert.False(t, ok)
}

func TestPublishRejectsPathNames(t *testing.T) {
	p := NewPublisher(afero.NewMemMapFs(), "/data")
	for _, name := range []string{"", "..", "a/b", `a\b`} {
		_, err := p.Publish(t.Context(), name, memory.NewRepository(name))
		require.ErrorIs(t, err, ErrInvalidInstance, name)
	}
	assert.Empty(t, p.Instances())
}

func TestOpenRegeneratesStaleSnapshot(t *testing.T) {
	ctx := t.Context()
	fs := afero.NewMemMapFs()
	repo := memory.NewRepository("ca")
	now := time.Now().UTC()
	clock := now
	p := NewPublisher(fs, "/data", WithMaxAge(30*time.Second))
	p.now = func() time.Time { return clock }

	issue(t, repo, 1, "one", newKey(t), now.Add(-time.Hour), 24*time.Hour)
	_, err := p.Publish(ctx, "ca", repo)
	require.NoError(t, err)
	issue(t, repo, 2, "two", newKey(t), now.Add(-time.Hour), 24*time.Hour)

	// Fresh snapshot is served as is.
	clock = now.Add(10 * time.Second)
	rc, snap, err := p.Open(ctx, "ca")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, 1, snap.CertCount)
	assert.Equal(t, now, snap.PublishedAt)

	clock = now.Add(31 * time.Second)
	rc, snap, err = p.Open(ctx, "ca")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, 2, snap.CertCount)
	assert.Equal(t, clock, snap.PublishedAt)

	der, err := io.ReadAll(rc)
	require.NoError(t, err)
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	assert.Len(t, p7.Certificates, 2)

	cached, ok := p.Snapshot("ca")
	require.True(t, ok)
	assert.Equal(t, snap, cached)
}

func TestFailedRegenerationKeepsPreviousArtifact(t *testing.T) {
	ctx := t.Context()
	base := afero.NewMemMapFs()
	repo := memory.NewRepository("ca")
	now := time.Now().UTC()
	issue(t, repo, 1, "one", newKey(t), now.Add(-time.Hour), 24*time.Hour)

	p := NewPublisher(base, "/data")
	first, err := p.Publish(ctx, "ca", repo)
	require.NoError(t, err)
	before, err := afero.ReadFile(base, first.Path)
	require.NoError(t, err)

	issue(t, repo, 2, "two", newKey(t), now.Add(-time.Hour), 24*time.Hour)
	p.fs = afero.NewReadOnlyFs(base)
	_, err = p.Publish(ctx, "ca", repo)
	require.Error(t, err)

	after, err := afero.ReadFile(base, first.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	cached, ok := p.Snapshot("ca")
	require.True(t, ok)
	assert.Equal(t, 1, cached.CertCount)
}

func TestCustomEncoderAndEquivalence(t *testing.T) {
	ctx := t.Context()
	fs := afero.NewMemMapFs()
	repo := memory.NewRepository("ca")
	now := time.Now().UTC()
	issue(t, repo, 1, "a", newKey(t), now.Add(-time.Hour), time.Hour*24)
	issue(t, repo, 2, "b", newKey(t), now.Add(-time.Minute), time.Hour*24)

	var got []*x509.Certificate
	p := NewPublisher(fs, "/data",
		WithEquivalence(func(a, b *x509.Certificate) bool { return true }),
		WithEncoder(EncoderFunc(func(certs []*x509.Certificate) ([]byte, error) {
			got = certs
			return []byte("bundle"), nil
		})))
	snap, err := p.Publish(ctx, "ca", repo)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].SerialNumber.Int64())

	data, err := afero.ReadFile(fs, snap.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), data)

	boom := errors.New("boom")
	p = NewPublisher(fs, "/data", WithEncoder(EncoderFunc(func([]*x509.Certificate) ([]byte, error) {
		return nil, boom
	})))
	_, err = p.Publish(ctx, "ca", repo)
	require.ErrorIs(t, err, boom)
}

func TestConcurrentPublishAndOpen(t *testing.T) {
	ctx := t.Context()
	fs := afero.NewMemMapFs()
	now := time.Now().UTC()
	p := NewPublisher(fs, "/data", WithMaxAge(0))

	repos := map[string]*memory.Repository{"a": memory.NewRepository("a"), "b": memory.NewRepository("b")}
	for name, repo := range repos {
		issue(t, repo, 1, name, newKey(t), now.Add(-time.Hour), 24*time.Hour)
		_, err := p.Publish(ctx, name, repo)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		name := "a"
		if i%2 == 1 {
			name = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, snap, err := p.Open(ctx, name)
			if !assert.NoError(t, err) {
				return
			}
			defer rc.Close()
			assert.Equal(t, 1, snap.CertCount)
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"a", "b"}, p.Instances())
}
