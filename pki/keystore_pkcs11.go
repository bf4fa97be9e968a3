//go:build pkcs11

package pki

import (
	"crypto"
	"crypto/elliptic"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"

	"github.com/jmcleod/castore/internal/uuid"
)

// PKCS11Prefix marks a key reference held in an HSM. The full reference,
// accepted wherever a CA key PEM is expected, is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11KeyStore holds ECDSA P-256 CA keys in a PKCS#11 HSM. Keys are
// found by their HSM label.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured HSM token. The caller must
// call Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates an ECDSA P-256 key pair in the HSM labelled
// "castore-<uuid>" and returns "pkcs11-<label>".
func (p *PKCS11KeyStore) GenerateKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := "castore-" + uuid.New()
	labelBytes := []byte(label)
	if _, err := p.ctx.GenerateECDSAKeyPairWithLabel(labelBytes, labelBytes, elliptic.P256()); err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key in HSM: %w", err)
	}
	return "pkcs11-" + label, nil
}

// Signer returns a crypto.Signer backed by the HSM for keyID.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	return p.find(labelFromKeyID(keyID))
}

func (p *PKCS11KeyStore) find(label string) (crypto.Signer, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: PKCS#11 label %q (HSM: %v)", ErrKeyNotFound, label, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: PKCS#11 label %q", ErrKeyNotFound, label)
	}
	return signer, nil
}

// ExportPEM returns the reference "PKCS11:<label>" instead of key material,
// which never leaves the HSM.
func (p *PKCS11KeyStore) ExportPEM(keyID string) (string, error) {
	label := labelFromKeyID(keyID)
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return PKCS11Prefix + label, nil
}

// ImportPEM resolves a "PKCS11:<label>" reference to a key ID. Software
// PEM keys cannot be imported into the HSM.
func (p *PKCS11KeyStore) ImportPEM(pemData string) (string, error) {
	label, ok := strings.CutPrefix(strings.TrimSpace(pemData), PKCS11Prefix)
	if !ok {
		return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
	}
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return "pkcs11-" + label, nil
}

// Delete removes the key pair from the HSM.
func (p *PKCS11KeyStore) Delete(keyID string) error {
	signer, err := p.ctx.FindKeyPair(nil, []byte(labelFromKeyID(keyID)))
	if err != nil {
		return fmt.Errorf("finding key for deletion: %w", err)
	}
	if signer == nil {
		return nil
	}
	if d, ok := signer.(interface{ Delete() error }); ok {
		return d.Delete()
	}
	return nil
}

func labelFromKeyID(keyID string) string {
	return strings.TrimPrefix(keyID, "pkcs11-")
}
