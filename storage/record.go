package storage

import (
	"fmt"
	"math/big"
	"time"
)

// ReasonCode is an RFC 5280 CRL reason code.
type ReasonCode int

const (
	ReasonUnspecified          ReasonCode = 0
	ReasonKeyCompromise        ReasonCode = 1
	ReasonCACompromise         ReasonCode = 2
	ReasonAffiliationChanged   ReasonCode = 3
	ReasonSuperseded           ReasonCode = 4
	ReasonCessationOfOperation ReasonCode = 5
	ReasonCertificateHold      ReasonCode = 6
	ReasonRemoveFromCRL        ReasonCode = 8
	ReasonPrivilegeWithdrawn   ReasonCode = 9
	ReasonAACompromise         ReasonCode = 10

	maxReasonCode = ReasonAACompromise
)

// Valid reports whether r is inside the CRL reason enumeration.
func (r ReasonCode) Valid() bool {
	return r >= ReasonUnspecified && r <= maxReasonCode
}

func (r ReasonCode) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// State is the revocation state of a record.
type State int

const (
	StateActive State = iota
	StateHold
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateHold:
		return "hold"
	default:
		return "revoked"
	}
}

// CertificateRecord is the stored form of one issued certificate.
// A zero time means the date is absent.
type CertificateRecord struct {
	SerialNumber   *big.Int
	Certificate    []byte
	IssueDate      time.Time
	ExpiryDate     time.Time
	Revoked        bool
	Reason         *ReasonCode
	RevocationTime time.Time
}

// State derives the revocation state from the revoked flag and reason.
func (r *CertificateRecord) State() State {
	if !r.Revoked {
		return StateActive
	}
	if r.Reason != nil && *r.Reason == ReasonCertificateHold {
		return StateHold
	}
	return StateRevoked
}

// Clone returns a deep copy of r.
func (r *CertificateRecord) Clone() *CertificateRecord {
	if r == nil {
		return nil
	}
	c := &CertificateRecord{
		Certificate:    append([]byte(nil), r.Certificate...),
		IssueDate:      r.IssueDate,
		ExpiryDate:     r.ExpiryDate,
		Revoked:        r.Revoked,
		RevocationTime: r.RevocationTime,
	}
	if r.SerialNumber != nil {
		c.SerialNumber = new(big.Int).Set(r.SerialNumber)
	}
	if r.Reason != nil {
		reason := *r.Reason
		c.Reason = &reason
	}
	return c
}

// Validate checks the serial number, the dates and the revocation
// invariant: a record is revoked if and only if it carries a reason and a
// time.
func (r *CertificateRecord) Validate() error {
	if err := CheckSerial(r.SerialNumber); err != nil {
		return err
	}
	if err := CheckDates(r.IssueDate, r.ExpiryDate, r.RevocationTime); err != nil {
		return fmt.Errorf("%s: %w", SerialHex(r.SerialNumber), err)
	}
	if r.Revoked {
		if r.Reason == nil || r.RevocationTime.IsZero() {
			return fmt.Errorf("%s: revoked without reason or time: %w", SerialHex(r.SerialNumber), ErrInvalidRecord)
		}
		if !r.Reason.Valid() || *r.Reason == ReasonRemoveFromCRL {
			return fmt.Errorf("%s: stored reason %d: %w", SerialHex(r.SerialNumber), int(*r.Reason), ErrInvalidRecord)
		}
		return nil
	}
	if r.Reason != nil || !r.RevocationTime.IsZero() {
		return fmt.Errorf("%s: not revoked but carries revocation data: %w", SerialHex(r.SerialNumber), ErrInvalidRecord)
	}
	return nil
}

// Expired reports whether the record expired before cutoff. Records
// without an expiry date never expire.
func (r *CertificateRecord) Expired(cutoff time.Time) bool {
	return !r.ExpiryDate.IsZero() && r.ExpiryDate.Before(cutoff)
}

// NewRecord builds a non-revoked record for a freshly issued certificate.
func NewRecord(der []byte, serial *big.Int, issueDate, expiryDate time.Time) *CertificateRecord {
	rec := &CertificateRecord{
		Certificate: append([]byte(nil), der...),
		IssueDate:   issueDate,
		ExpiryDate:  expiryDate,
	}
	if serial != nil {
		rec.SerialNumber = new(big.Int).Set(serial)
	}
	return rec
}

// CheckSerial rejects nil and negative serial numbers.
func CheckSerial(serial *big.Int) error {
	if serial == nil {
		return ErrMissingSerial
	}
	if serial.Sign() < 0 {
		return fmt.Errorf("%s: %w", serial.Text(16), ErrInvalidSerial)
	}
	return nil
}

// CheckDates rejects non-zero times before the Unix epoch. Persisted
// records use negative milliseconds for an absent date, so such times
// could not be read back.
func CheckDates(times ...time.Time) error {
	for _, t := range times {
		if !t.IsZero() && t.Before(epoch) {
			return fmt.Errorf("date %s before 1970 cannot be stored: %w", t.UTC().Format(time.RFC3339), ErrInvalidRecord)
		}
	}
	return nil
}

var epoch = time.Unix(0, 0)

// SerialHex returns the persisted key form of a serial number: lowercase
// hex without leading zeros.
func SerialHex(serial *big.Int) string {
	if serial == nil {
		return "<nil>"
	}
	return serial.Text(16)
}

// ParseSerialHex parses a persisted serial key.
func ParseSerialHex(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("malformed serial %q: %w", s, ErrInvalidSerial)
	}
	return n, nil
}
