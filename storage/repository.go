// Package storage provides the certificate repository abstraction shared by
// the file, bbolt, PostgreSQL and in-memory backends.
//
// A Repository value is bound to exactly one CA instance. Mutating
// operations are serialized per Repository value; reads never wait for an
// in-flight mutation and may observe the state from before it.
package storage

import (
	"context"
	"math/big"
	"time"
)

// Repository is the capability every certificate store implements. The
// issuer only needs the create/revoke/read subset, the CRL generator the
// read and RevokedCertificates subset, and the reconciliation tool and the
// snapshot publisher use all of it.
type Repository interface {
	// AddCertificate stores a newly issued, non-revoked certificate. It
	// fails with ErrDuplicateSerial when the serial is already present.
	AddCertificate(ctx context.Context, der []byte, serial *big.Int, issueDate, expiryDate time.Time) error

	// AddExistingRecord copies a fully formed record, including its
	// revocation status, with the same duplicate rejection as AddCertificate.
	AddExistingRecord(ctx context.Context, rec *CertificateRecord) error

	// GetCertificate returns the record for serial, or nil and no error
	// when no such record exists.
	GetCertificate(ctx context.Context, serial *big.Int) (*CertificateRecord, error)

	// GetAllCertificateSerials returns every serial currently stored.
	GetAllCertificateSerials(ctx context.Context) ([]*big.Int, error)

	// GetCertificateCount returns the number of records, optionally
	// restricted to records that are not revoked.
	GetCertificateCount(ctx context.Context, notRevokedOnly bool) (int, error)

	// GetCertificateRange returns one page of records as described by q.
	GetCertificateRange(ctx context.Context, q RangeQuery) ([]*CertificateRecord, error)

	// RevokeCertificate applies a revocation request to a stored record.
	RevokeCertificate(ctx context.Context, serial *big.Int, reason ReasonCode, at time.Time) error

	// RemoveExpiredCertificates deletes records that expired before
	// now minus grace and returns the removed serials.
	RemoveExpiredCertificates(ctx context.Context, grace time.Duration) ([]*big.Int, error)

	// RevokedCertificates lists every revoked (including on-hold) record
	// in the form needed to build a CRL.
	RevokedCertificates(ctx context.Context) ([]RevokedCertificate, error)

	// Close releases resources held by the repository.
	Close() error
}

// RevokedCertificate is a CRL entry derived from a revoked record.
type RevokedCertificate struct {
	SerialNumber   *big.Int
	RevocationTime time.Time
	Reason         ReasonCode
}

// RevokedFromRecords extracts CRL entries from the revoked records in recs.
func RevokedFromRecords(recs []*CertificateRecord) []RevokedCertificate {
	out := make([]RevokedCertificate, 0, len(recs))
	for _, rec := range recs {
		if !rec.Revoked || rec.Reason == nil {
			continue
		}
		out = append(out, RevokedCertificate{
			SerialNumber:   new(big.Int).Set(rec.SerialNumber),
			RevocationTime: rec.RevocationTime,
			Reason:         *rec.Reason,
		})
	}
	return out
}
