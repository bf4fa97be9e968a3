// Package pki issues certificates and CRLs for one CA instance, recording
// every issued certificate in a storage.Repository and numbering CRLs
// through a crl.Tracker.
package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/jmcleod/castore/crl"
	"github.com/jmcleod/castore/internal/util"
	"github.com/jmcleod/castore/storage"
)

var (
	// ErrNotCA is returned when the supplied certificate cannot sign
	// certificates or CRLs.
	ErrNotCA = errors.New("certificate is not a CA certificate")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidValidity is returned for non-positive validity periods.
	ErrInvalidValidity = errors.New("validity must be positive")
)

// DefaultCRLValidity is the nextUpdate offset used when none is given.
const DefaultCRLValidity = 7 * 24 * time.Hour

// IssueCertRequest describes a leaf certificate to issue.
type IssueCertRequest struct {
	Subject        pkix.Name
	ValidityDays   int
	KeyUsages      x509.KeyUsage
	ExtKeyUsages   []x509.ExtKeyUsage
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string

	// PublicKey is the subject key. When nil a key is generated in the
	// CA's key store and returned PEM encoded.
	PublicKey crypto.PublicKey
}

// IssuedCertificate is the result of IssueCertificate.
type IssuedCertificate struct {
	SerialNumber *big.Int
	Certificate  *x509.Certificate
	KeyPEM       string
}

// CA signs certificates and CRLs for one instance.
type CA struct {
	instance string
	cert     *x509.Certificate
	signer   crypto.Signer
	repo     storage.Repository
	tracker  *crl.Tracker
	ks       KeyStore
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a CA.
type Option func(*CA)

// WithKeyStore sets the key store used to generate leaf keys.
func WithKeyStore(ks KeyStore) Option {
	return func(c *CA) { c.ks = ks }
}

// WithLogger sets the CA's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *CA) { c.logger = l }
}

// NewCA returns a CA that signs with signer on behalf of cert.
func NewCA(instance string, cert *x509.Certificate, signer crypto.Signer, repo storage.Repository, tracker *crl.Tracker, opts ...Option) (*CA, error) {
	if !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, fmt.Errorf("%s: %w", cert.Subject, ErrNotCA)
	}
	c := &CA{
		instance: instance,
		cert:     cert,
		signer:   signer,
		repo:     repo,
		tracker:  tracker,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ks == nil {
		c.ks = NewSoftwareKeyStore()
	}
	return c, nil
}

// NewSelfSignedCA generates a key in ks and a self-signed root for subject.
func NewSelfSignedCA(instance string, subject pkix.Name, validityYears int, ks KeyStore, repo storage.Repository, tracker *crl.Tracker, opts ...Option) (*CA, error) {
	if validityYears <= 0 {
		return nil, ErrInvalidValidity
	}
	keyID, err := ks.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("getting CA signer: %w", err)
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	return NewCA(instance, cert, signer, repo, tracker, append([]Option{WithKeyStore(ks)}, opts...)...)
}

// Certificate returns the CA certificate.
func (c *CA) Certificate() *x509.Certificate { return c.cert }

// CertificatePEM returns the CA certificate PEM encoded.
func (c *CA) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})
}

// IssueCertificate signs a leaf certificate and records it in the
// repository before returning it.
func (c *CA) IssueCertificate(ctx context.Context, req IssueCertRequest) (*IssuedCertificate, error) {
	if req.ValidityDays <= 0 {
		return nil, ErrInvalidValidity
	}

	pub := req.PublicKey
	var keyPEM string
	if pub == nil {
		keyID, err := c.ks.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating leaf key: %w", err)
		}
		signer, err := c.ks.Signer(keyID)
		if err != nil {
			return nil, fmt.Errorf("getting leaf signer: %w", err)
		}
		pub = signer.Public()
		keyPEM, err = c.ks.ExportPEM(keyID)
		if err != nil && !errors.Is(err, ErrKeyNotExportable) {
			return nil, fmt.Errorf("exporting leaf private key: %w", err)
		}
	}

	serial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               req.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, req.ValidityDays),
		KeyUsage:              req.KeyUsages,
		ExtKeyUsage:           req.ExtKeyUsages,
		BasicConstraintsValid: true,
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		EmailAddresses:        req.EmailAddresses,
	}
	if tmpl.KeyUsage == 0 {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.cert, pub, c.signer)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}

	if err := c.repo.AddCertificate(ctx, der, serial, cert.NotBefore, cert.NotAfter); err != nil {
		return nil, fmt.Errorf("storing issued certificate: %w", err)
	}
	c.logger.Info("issued certificate", "instance", c.instance,
		"serial", storage.SerialHex(serial), "subject", cert.Subject.String())

	return &IssuedCertificate{SerialNumber: serial, Certificate: cert, KeyPEM: keyPEM}, nil
}

// RevokeCertificate applies a revocation request to an issued certificate.
func (c *CA) RevokeCertificate(ctx context.Context, serial *big.Int, reason storage.ReasonCode) error {
	if err := c.repo.RevokeCertificate(ctx, serial, reason, c.now()); err != nil {
		return err
	}
	c.logger.Info("revocation applied", "instance", c.instance,
		"serial", storage.SerialHex(serial), "reason", reason.String())
	return nil
}

// GenerateCRL builds a CRL of every revoked certificate, numbered with the
// tracker's next CRL number, and publishes it. It returns the DER CRL and
// whether the tracker accepted it.
func (c *CA) GenerateCRL(ctx context.Context, validity time.Duration) ([]byte, bool, error) {
	if validity <= 0 {
		validity = DefaultCRLValidity
	}
	revoked, err := c.repo.RevokedCertificates(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("listing revoked certificates: %w", err)
	}

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   r.SerialNumber,
			RevocationTime: r.RevocationTime,
			ReasonCode:     int(r.Reason),
		})
	}

	now := c.now().UTC()
	tmpl := &x509.RevocationList{
		Number:                    c.tracker.NextCRLNumber(),
		ThisUpdate:                now,
		NextUpdate:                now.Add(validity),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, c.cert, c.signer)
	if err != nil {
		return nil, false, fmt.Errorf("creating CRL: %w", err)
	}

	published, err := c.tracker.PublishNewCRL(ctx, der)
	if err != nil {
		return nil, false, err
	}
	return der, published, nil
}

// ParseCertificatePEM parses the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}
