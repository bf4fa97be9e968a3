package pki

import (
	"crypto"
	"errors"
)

// KeyStore abstracts private-key operations so that the CA can sign with
// software keys or externally managed keys without changing calling code.
//
// A key ID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	// It is used by x509.CreateCertificate and x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM form. Stores that keep keys
	// on a device return ErrKeyNotExportable.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key into the store and returns
	// its key ID.
	ImportPEM(pemData string) (keyID string, err error)
}

var (
	// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
	// store does not allow private key material to leave it.
	ErrKeyNotExportable = errors.New("private key is not exportable")

	// ErrKeyNotFound is returned when the referenced key ID does not exist.
	ErrKeyNotFound = errors.New("key not found")
)
