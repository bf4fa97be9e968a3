package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/castore/crl"
	"github.com/jmcleod/castore/pki"
	"github.com/jmcleod/castore/storage"
	"github.com/jmcleod/castore/storage/memory"
)

type fixture struct {
	ca      *pki.CA
	repo    *memory.Repository
	tracker *crl.Tracker
	fs      afero.Fs
}

func newTestCA(t *testing.T) *fixture {
	t.Helper()
	ctx := t.Context()
	fs := afero.NewMemMapFs()
	repo := memory.NewRepository("ca1")
	tracker, err := crl.NewTracker(ctx, "ca1", memory.NewMetadataStore(),
		crl.WithArtifact(fs, crl.ArtifactPath("/data", "ca1")))
	require.NoError(t, err)

	subject := pkix.Name{CommonName: "Test Root CA", Organization: []string{"TestOrg"}}
	ca, err := pki.NewSelfSignedCA("ca1", subject, 10, pki.NewSoftwareKeyStore(), repo, tracker)
	require.NoError(t, err)
	return &fixture{ca: ca, repo: repo, tracker: tracker, fs: fs}
}

func TestIssueCertificateRecordsIt(t *testing.T) {
	ctx := t.Context()
	f := newTestCA(t)

	issued, err := f.ca.IssueCertificate(ctx, pki.IssueCertRequest{
		Subject:      pkix.Name{CommonName: "leaf.example.com"},
		ValidityDays: 30,
		DNSNames:     []string{"leaf.example.com"},
	})
	require.NoError(t, err)
	assert.Contains(t, issued.KeyPEM, "EC PRIVATE KEY")
	assert.Positive(t, issued.SerialNumber.Sign())

	rec, err := f.repo.GetCertificate(ctx, issued.SerialNumber)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, issued.Certificate.Raw, rec.Certificate)
	assert.Equal(t, storage.StateActive, rec.State())
	assert.True(t, issued.Certificate.NotAfter.Equal(rec.ExpiryDate))

	require.NoError(t, issued.Certificate.CheckSignatureFrom(f.ca.Certificate()))
}

func TestIssueWithCallerKey(t *testing.T) {
	f := newTestCA(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	issued, err := f.ca.IssueCertificate(t.Context(), pki.IssueCertRequest{
		Subject:      pkix.Name{CommonName: "device"},
		ValidityDays: 1,
		PublicKey:    &key.PublicKey,
	})
	require.NoError(t, err)
	assert.Empty(t, issued.KeyPEM)
	assert.True(t, key.PublicKey.Equal(issued.Certificate.PublicKey))
}

func TestIssueRejectsBadValidity(t *testing.T) {
	f := newTestCA(t)
	_, err := f.ca.IssueCertificate(t.Context(), pki.IssueCertRequest{Subject: pkix.Name{CommonName: "x"}})
	require.ErrorIs(t, err, pki.ErrInvalidValidity)
}

func TestGenerateCRL(t *testing.T) {
	ctx := t.Context()
	f := newTestCA(t)

	var serials []*big.Int
	for range 3 {
		issued, err := f.ca.IssueCertificate(ctx, pki.IssueCertRequest{
			Subject: pkix.Name{CommonName: "leaf"}, ValidityDays: 10,
		})
		require.NoError(t, err)
		serials = append(serials, issued.SerialNumber)
	}
	require.NoError(t, f.ca.RevokeCertificate(ctx, serials[0], storage.ReasonKeyCompromise))
	require.NoError(t, f.ca.RevokeCertificate(ctx, serials[1], storage.ReasonCertificateHold))

	der, published, err := f.ca.GenerateCRL(ctx, time.Hour)
	require.NoError(t, err)
	assert.True(t, published)

	rl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.NoError(t, rl.CheckSignatureFrom(f.ca.Certificate()))
	assert.Equal(t, int64(1), rl.Number.Int64())
	assert.Len(t, rl.RevokedCertificateEntries, 2)

	current, err := f.tracker.CurrentCRL()
	require.NoError(t, err)
	assert.Equal(t, der, current)

	// Releasing the hold drops it from the next CRL.
	require.NoError(t, f.ca.RevokeCertificate(ctx, serials[1], storage.ReasonRemoveFromCRL))
	der, published, err = f.ca.GenerateCRL(ctx, 0)
	require.NoError(t, err)
	assert.True(t, published)
	rl, err = x509.ParseRevocationList(der)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rl.Number.Int64())
	require.Len(t, rl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, rl.RevokedCertificateEntries[0].SerialNumber.Cmp(serials[0]))
	assert.Equal(t, int(storage.ReasonKeyCompromise), rl.RevokedCertificateEntries[0].ReasonCode)
}

func TestNewCARejectsLeaf(t *testing.T) {
	f := newTestCA(t)
	issued, err := f.ca.IssueCertificate(t.Context(), pki.IssueCertRequest{
		Subject: pkix.Name{CommonName: "leaf"}, ValidityDays: 1,
	})
	require.NoError(t, err)

	_, err = pki.NewCA("ca1", issued.Certificate, nil, f.repo, f.tracker)
	require.ErrorIs(t, err, pki.ErrNotCA)
}

func TestParseCertificatePEM(t *testing.T) {
	f := newTestCA(t)
	cert, err := pki.ParseCertificatePEM(f.ca.CertificatePEM())
	require.NoError(t, err)
	assert.Equal(t, "Test Root CA", cert.Subject.CommonName)

	_, err = pki.ParseCertificatePEM([]byte("not pem"))
	require.ErrorIs(t, err, pki.ErrInvalidPEM)

	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("junk")})
	_, err = pki.ParseCertificatePEM(block)
	require.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestSoftwareKeyStoreRoundTrip(t *testing.T) {
	ks := pki.NewSoftwareKeyStore()
	id, err := ks.GenerateKey()
	require.NoError(t, err)
	keyPEM, err := ks.ExportPEM(id)
	require.NoError(t, err)

	other := pki.NewSoftwareKeyStore()
	imported, err := other.ImportPEM(keyPEM)
	require.NoError(t, err)

	a, err := ks.Signer(id)
	require.NoError(t, err)
	b, err := other.Signer(imported)
	require.NoError(t, err)
	assert.True(t, a.Public().(*ecdsa.PublicKey).Equal(b.Public()))

	_, err = ks.Signer("missing")
	require.ErrorIs(t, err, pki.ErrKeyNotFound)
	_, err = ks.ImportPEM("garbage")
	require.ErrorIs(t, err, pki.ErrInvalidPEM)
}
