package storage

import (
	"math"
	"sort"
)

// SortKey selects the ordering of a range query.
type SortKey int

const (
	SortBySerialNumber SortKey = iota
	SortByIssueDate
)

// RevokedFilter restricts a range query by revocation status.
type RevokedFilter int

const (
	FilterAll RevokedFilter = iota
	FilterNotRevoked
	FilterRevokedOnly
)

// Match reports whether rec passes the filter.
func (f RevokedFilter) Match(rec *CertificateRecord) bool {
	switch f {
	case FilterNotRevoked:
		return !rec.Revoked
	case FilterRevokedOnly:
		return rec.Revoked
	default:
		return true
	}
}

// RangeQuery describes one page of a sorted, filtered record listing. It
// replaces one query method per sort key, order and filter combination;
// each backend translates it once into its native form.
type RangeQuery struct {
	Page       int
	PageSize   int
	Filter     RevokedFilter
	SortBy     SortKey
	Descending bool
}

// Offset returns the index of the first record of the page. Negative pages
// are treated as page zero; offsets beyond math.MaxInt saturate.
func (q RangeQuery) Offset() int {
	page := max(q.Page, 0)
	if q.PageSize <= 0 {
		return 0
	}
	if page > math.MaxInt/q.PageSize {
		return math.MaxInt
	}
	return page * q.PageSize
}

// Empty reports whether the query can never return records.
func (q RangeQuery) Empty() bool {
	return q.PageSize <= 0
}

// Less orders a before b according to the query. Ties on issue date are
// broken by serial number in the same direction so that pages are stable.
func (q RangeQuery) Less(a, b *CertificateRecord) bool {
	c := 0
	if q.SortBy == SortByIssueDate {
		c = a.IssueDate.Compare(b.IssueDate)
	}
	if c == 0 {
		c = a.SerialNumber.Cmp(b.SerialNumber)
	}
	if q.Descending {
		return c > 0
	}
	return c < 0
}

// Apply filters, sorts and pages recs in memory. The input slice is not
// modified.
func (q RangeQuery) Apply(recs []*CertificateRecord) []*CertificateRecord {
	if q.Empty() {
		return []*CertificateRecord{}
	}
	matched := make([]*CertificateRecord, 0, len(recs))
	for _, rec := range recs {
		if q.Filter.Match(rec) {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return q.Less(matched[i], matched[j]) })

	start := q.Offset()
	if start >= len(matched) {
		return []*CertificateRecord{}
	}
	end := len(matched)
	if q.PageSize < end-start {
		end = start + q.PageSize
	}
	return matched[start:end]
}
