package bundle

import (
	"bytes"
	"crypto/x509"

	"github.com/jmcleod/castore/internal/util"
)

// EquivalenceFunc reports whether two certificates stand for the same
// trust anchor, in which case a snapshot keeps only the most recently
// issued of them.
type EquivalenceFunc func(a, b *x509.Certificate) bool

// SameSubjectAndKey treats certificates as equivalent when their subject
// distinguished names are equal after Unicode normalisation and they
// certify the same public key.
func SameSubjectAndKey(a, b *x509.Certificate) bool {
	if !bytes.Equal(a.RawSubjectPublicKeyInfo, b.RawSubjectPublicKeyInfo) {
		return false
	}
	if bytes.Equal(a.RawSubject, b.RawSubject) {
		return true
	}
	return util.Normalize(a.Subject.String()) == util.Normalize(b.Subject.String())
}

// SameSubject treats certificates with equal normalised subject names as
// equivalent regardless of key, so a re-keyed anchor replaces its
// predecessor.
func SameSubject(a, b *x509.Certificate) bool {
	return util.Normalize(a.Subject.String()) == util.Normalize(b.Subject.String())
}
