package storage

import (
	"fmt"
	"math/big"
	"time"
)

// ValidateRevocation performs the checks that precede any lookup of the
// target record.
func ValidateRevocation(serial *big.Int, reason ReasonCode) error {
	if serial == nil {
		return ErrMissingSerial
	}
	if !reason.Valid() {
		return fmt.Errorf("%d: %w", int(reason), ErrInvalidReasonCode)
	}
	return nil
}

// Transition applies a revocation request to rec and returns the updated
// record. rec itself is never modified.
//
//	Active  + certificateHold -> Hold
//	Active  + removeFromCRL   -> ErrNotOnHold
//	Active  + other           -> Revoked(other)
//	Hold    + certificateHold -> Hold (unchanged)
//	Hold    + removeFromCRL   -> Active
//	Hold    + other           -> Revoked(other)
//	Revoked + removeFromCRL   -> ErrAlreadyPermanentlyRevoked
//	Revoked + other           -> ErrAlreadyRevoked
func Transition(rec *CertificateRecord, reason ReasonCode, at time.Time) (*CertificateRecord, error) {
	if err := ValidateRevocation(rec.SerialNumber, reason); err != nil {
		return nil, err
	}
	serial := SerialHex(rec.SerialNumber)
	if err := CheckDates(at); err != nil {
		return nil, fmt.Errorf("%s: %w", serial, err)
	}
	next := rec.Clone()

	switch rec.State() {
	case StateActive:
		if reason == ReasonRemoveFromCRL {
			return nil, fmt.Errorf("%s: %w", serial, ErrNotOnHold)
		}
		revoke(next, reason, at)
	case StateHold:
		switch reason {
		case ReasonCertificateHold:
			// Re-holding keeps the original hold time.
		case ReasonRemoveFromCRL:
			next.Revoked = false
			next.Reason = nil
			next.RevocationTime = time.Time{}
		default:
			revoke(next, reason, at)
		}
	default:
		if reason == ReasonRemoveFromCRL {
			return nil, fmt.Errorf("%s: %w", serial, ErrAlreadyPermanentlyRevoked)
		}
		return nil, fmt.Errorf("%s: %w", serial, ErrAlreadyRevoked)
	}
	return next, nil
}

func revoke(rec *CertificateRecord, reason ReasonCode, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	r := reason
	rec.Revoked = true
	rec.Reason = &r
	rec.RevocationTime = at
}
