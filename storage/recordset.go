package storage

import (
	"math/big"
	"sort"
	"time"
)

// RecordSet is an immutable, serial-keyed collection of records. In-process
// backends keep the current set behind an atomic pointer and replace it
// after every successful write, so readers never block on writers.
type RecordSet struct {
	byKey map[string]*CertificateRecord
}

// NewRecordSet builds a set from recs. Later duplicates replace earlier
// ones; callers that need duplicate detection use Has before With.
func NewRecordSet(recs ...*CertificateRecord) *RecordSet {
	s := &RecordSet{byKey: make(map[string]*CertificateRecord, len(recs))}
	for _, rec := range recs {
		s.byKey[SerialHex(rec.SerialNumber)] = rec.Clone()
	}
	return s
}

// Len returns the number of records.
func (s *RecordSet) Len() int {
	return len(s.byKey)
}

// Has reports whether serial is present.
func (s *RecordSet) Has(serial *big.Int) bool {
	_, ok := s.byKey[SerialHex(serial)]
	return ok
}

// Get returns a copy of the record for serial, or nil.
func (s *RecordSet) Get(serial *big.Int) *CertificateRecord {
	return s.byKey[SerialHex(serial)].Clone()
}

// Serials returns every serial in ascending order.
func (s *RecordSet) Serials() []*big.Int {
	out := make([]*big.Int, 0, len(s.byKey))
	for _, rec := range s.byKey {
		out = append(out, new(big.Int).Set(rec.SerialNumber))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Count returns the number of records, optionally excluding revoked ones.
func (s *RecordSet) Count(notRevokedOnly bool) int {
	if !notRevokedOnly {
		return len(s.byKey)
	}
	n := 0
	for _, rec := range s.byKey {
		if !rec.Revoked {
			n++
		}
	}
	return n
}

// Records returns copies of all records ordered by serial.
func (s *RecordSet) Records() []*CertificateRecord {
	out := make([]*CertificateRecord, 0, len(s.byKey))
	for _, rec := range s.byKey {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber.Cmp(out[j].SerialNumber) < 0 })
	return out
}

// Range evaluates q against the set.
func (s *RecordSet) Range(q RangeQuery) []*CertificateRecord {
	recs := make([]*CertificateRecord, 0, len(s.byKey))
	for _, rec := range s.byKey {
		recs = append(recs, rec)
	}
	page := q.Apply(recs)
	out := make([]*CertificateRecord, len(page))
	for i, rec := range page {
		out[i] = rec.Clone()
	}
	return out
}

// Expired returns the serials of records that expired before cutoff.
func (s *RecordSet) Expired(cutoff time.Time) []*big.Int {
	var out []*big.Int
	for _, rec := range s.byKey {
		if rec.Expired(cutoff) {
			out = append(out, new(big.Int).Set(rec.SerialNumber))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Revoked returns CRL entries for every revoked record.
func (s *RecordSet) Revoked() []RevokedCertificate {
	return RevokedFromRecords(s.Records())
}

// With returns a new set containing rec in addition to (or in place of)
// the record with the same serial.
func (s *RecordSet) With(rec *CertificateRecord) *RecordSet {
	next := s.copy(1)
	next.byKey[SerialHex(rec.SerialNumber)] = rec.Clone()
	return next
}

// Without returns a new set with the given serials removed.
func (s *RecordSet) Without(serials []*big.Int) *RecordSet {
	next := s.copy(0)
	for _, serial := range serials {
		delete(next.byKey, SerialHex(serial))
	}
	return next
}

func (s *RecordSet) copy(extra int) *RecordSet {
	next := &RecordSet{byKey: make(map[string]*CertificateRecord, len(s.byKey)+extra)}
	for k, v := range s.byKey {
		next.byKey[k] = v
	}
	return next
}
