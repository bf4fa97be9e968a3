package bundle

import (
	"crypto/x509"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// Encoder serialises the certificates of a snapshot.
type Encoder interface {
	Encode(certs []*x509.Certificate) ([]byte, error)
}

// PKCS7Encoder produces a degenerate, certificates-only PKCS#7 SignedData
// structure (the .p7b format).
type PKCS7Encoder struct{}

var _ Encoder = PKCS7Encoder{}

func (PKCS7Encoder) Encode(certs []*x509.Certificate) ([]byte, error) {
	var raw []byte
	for _, c := range certs {
		raw = append(raw, c.Raw...)
	}
	der, err := pkcs7.DegenerateCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#7 bundle: %w", err)
	}
	return der, nil
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(certs []*x509.Certificate) ([]byte, error)

func (f EncoderFunc) Encode(certs []*x509.Certificate) ([]byte, error) { return f(certs) }
