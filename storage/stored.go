package storage

import (
	"fmt"
	"time"
)

// AbsentMillis encodes an absent timestamp in persisted records.
const AbsentMillis int64 = -1

// ToMillis converts t to epoch milliseconds, mapping the zero time to
// AbsentMillis. Times before 1970 are refused by CheckDates before they
// reach this encoding.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return AbsentMillis
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis. Negative values decode to the
// zero time.
func FromMillis(ms int64) time.Time {
	if ms < 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// StoredRecord is the persisted JSON shape of a CertificateRecord used by
// the file and bbolt backends.
type StoredRecord struct {
	SerialNumber   string `json:"serialNumber"`
	Certificate    []byte `json:"certificate"`
	IssueDate      int64  `json:"issueDate"`
	ExpiryDate     int64  `json:"expiryDate"`
	Revoked        bool   `json:"revoked"`
	Reason         *int   `json:"reason"`
	RevocationTime int64  `json:"revocationTime"`
}

// EncodeRecord converts rec to its persisted form.
func EncodeRecord(rec *CertificateRecord) StoredRecord {
	sr := StoredRecord{
		SerialNumber:   SerialHex(rec.SerialNumber),
		Certificate:    rec.Certificate,
		IssueDate:      ToMillis(rec.IssueDate),
		ExpiryDate:     ToMillis(rec.ExpiryDate),
		Revoked:        rec.Revoked,
		RevocationTime: ToMillis(rec.RevocationTime),
	}
	if rec.Reason != nil {
		reason := int(*rec.Reason)
		sr.Reason = &reason
	}
	return sr
}

// DecodeRecord converts a persisted record back into a CertificateRecord.
func DecodeRecord(sr StoredRecord) (*CertificateRecord, error) {
	serial, err := ParseSerialHex(sr.SerialNumber)
	if err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	rec := &CertificateRecord{
		SerialNumber:   serial,
		Certificate:    sr.Certificate,
		IssueDate:      FromMillis(sr.IssueDate),
		ExpiryDate:     FromMillis(sr.ExpiryDate),
		Revoked:        sr.Revoked,
		RevocationTime: FromMillis(sr.RevocationTime),
	}
	if sr.Reason != nil {
		reason := ReasonCode(*sr.Reason)
		rec.Reason = &reason
	}
	return rec, nil
}
