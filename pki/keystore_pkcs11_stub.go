//go:build !pkcs11

package pki

import (
	"crypto"
	"errors"
)

// PKCS11Prefix marks a key reference held in an HSM.
const PKCS11Prefix = "PKCS11:"

// ErrPKCS11Unavailable is returned by every PKCS11KeyStore operation in
// builds without the pkcs11 tag.
var ErrPKCS11Unavailable = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

// PKCS11KeyStore lets the CLI compile without cgo. Every method fails
// with ErrPKCS11Unavailable.
type PKCS11KeyStore struct{}

var _ KeyStore = (*PKCS11KeyStore)(nil)

func NewPKCS11KeyStore(_ PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, ErrPKCS11Unavailable
}

func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) GenerateKey() (string, error) { return "", ErrPKCS11Unavailable }

func (p *PKCS11KeyStore) Signer(_ string) (crypto.Signer, error) { return nil, ErrPKCS11Unavailable }

func (p *PKCS11KeyStore) ExportPEM(_ string) (string, error) { return "", ErrPKCS11Unavailable }

func (p *PKCS11KeyStore) ImportPEM(_ string) (string, error) { return "", ErrPKCS11Unavailable }

func (p *PKCS11KeyStore) Delete(_ string) error { return ErrPKCS11Unavailable }
