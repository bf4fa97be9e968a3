package storage

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// CRLMetadata describes the most recently published CRL of an instance.
type CRLMetadata struct {
	CRLNumber        *big.Int
	IssueTime        time.Time
	NextUpdate       time.Time
	RevokedCertCount int
}

// Clone returns a deep copy of m.
func (m *CRLMetadata) Clone() *CRLMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.CRLNumber != nil {
		c.CRLNumber = new(big.Int).Set(m.CRLNumber)
	}
	return &c
}

// Validate checks that the metadata carries a non-negative CRL number.
func (m *CRLMetadata) Validate() error {
	if m == nil || m.CRLNumber == nil {
		return fmt.Errorf("CRL metadata without CRL number: %w", ErrInvalidRecord)
	}
	if m.CRLNumber.Sign() < 0 {
		return fmt.Errorf("negative CRL number %s: %w", m.CRLNumber, ErrInvalidRecord)
	}
	return nil
}

// MetadataStore persists CRL metadata per instance.
type MetadataStore interface {
	// GetCRLMetadata returns the stored metadata, or nil and no error when
	// none exists.
	GetCRLMetadata(ctx context.Context, instance string) (*CRLMetadata, error)

	// StoreCRLMetadata writes md unconditionally.
	StoreCRLMetadata(ctx context.Context, instance string, md *CRLMetadata) error

	// AdvanceCRLMetadata writes md only if no metadata exists or md's CRL
	// number is strictly greater than the stored one. The comparison and
	// the write are atomic. It reports whether md was stored.
	AdvanceCRLMetadata(ctx context.Context, instance string, md *CRLMetadata) (bool, error)
}

// StoredCRLMetadata is the persisted JSON shape of CRLMetadata.
type StoredCRLMetadata struct {
	CRLNumber  string `json:"crlNumber"`
	IssueTime  int64  `json:"issueTime"`
	NextUpdate int64  `json:"nextUpdate"`
	RevCount   int    `json:"revCount"`
}

// EncodeCRLMetadata converts md to its persisted form.
func EncodeCRLMetadata(md *CRLMetadata) StoredCRLMetadata {
	return StoredCRLMetadata{
		CRLNumber:  md.CRLNumber.Text(16),
		IssueTime:  ToMillis(md.IssueTime),
		NextUpdate: ToMillis(md.NextUpdate),
		RevCount:   md.RevokedCertCount,
	}
}

// DecodeCRLMetadata converts persisted metadata back into CRLMetadata.
func DecodeCRLMetadata(s StoredCRLMetadata) (*CRLMetadata, error) {
	n, ok := new(big.Int).SetString(s.CRLNumber, 16)
	if !ok {
		return nil, fmt.Errorf("malformed CRL number %q: %w", s.CRLNumber, ErrInvalidRecord)
	}
	return &CRLMetadata{
		CRLNumber:        n,
		IssueTime:        FromMillis(s.IssueTime),
		NextUpdate:       FromMillis(s.NextUpdate),
		RevokedCertCount: s.RevCount,
	}, nil
}

// Supersedes reports whether next may replace current.
func Supersedes(current, next *CRLMetadata) bool {
	if current == nil || current.CRLNumber == nil {
		return true
	}
	return next.CRLNumber.Cmp(current.CRLNumber) > 0
}
