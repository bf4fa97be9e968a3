package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/castore/storage"
)

func TestParseRangeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  storage.RangeQuery
	}{
		{"defaults", "", storage.RangeQuery{PageSize: defaultPageSize}},
		{"custom page size", "page_size=50", storage.RangeQuery{PageSize: 50}},
		{"custom page", "page=3", storage.RangeQuery{Page: 3, PageSize: defaultPageSize}},
		{"page size exceeds max", "page_size=5000", storage.RangeQuery{PageSize: maxPageSize}},
		{"negative page size uses default", "page_size=-1", storage.RangeQuery{PageSize: defaultPageSize}},
		{"negative page uses zero", "page=-5", storage.RangeQuery{PageSize: defaultPageSize}},
		{"non-numeric", "page=abc&page_size=xyz", storage.RangeQuery{PageSize: defaultPageSize}},
		{"revoked filter", "filter=revoked", storage.RangeQuery{PageSize: defaultPageSize, Filter: storage.FilterRevokedOnly}},
		{"valid filter", "filter=valid", storage.RangeQuery{PageSize: defaultPageSize, Filter: storage.FilterNotRevoked}},
		{"unknown filter", "filter=bogus", storage.RangeQuery{PageSize: defaultPageSize}},
		{"issue date descending", "sort=issue_date&order=desc",
			storage.RangeQuery{PageSize: defaultPageSize, SortBy: storage.SortByIssueDate, Descending: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/test"
			if tt.query != "" {
				url += "?" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			assert.Equal(t, tt.want, parseRangeQuery(r))
		})
	}
}

func TestPageMeta(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		rq       storage.RangeQuery
		wantMore bool
	}{
		{"first page", 42, storage.RangeQuery{Page: 0, PageSize: 10}, true},
		{"last partial page", 42, storage.RangeQuery{Page: 4, PageSize: 10}, false},
		{"exact end", 40, storage.RangeQuery{Page: 3, PageSize: 10}, false},
		{"past the end", 42, storage.RangeQuery{Page: 9, PageSize: 10}, false},
		{"empty", 0, storage.RangeQuery{PageSize: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := pageMeta(tt.total, tt.rq)
			assert.Equal(t, tt.total, meta.TotalCount)
			assert.Equal(t, tt.rq.Page, meta.Page)
			assert.Equal(t, tt.rq.PageSize, meta.PageSize)
			assert.Equal(t, tt.wantMore, meta.HasMore)
		})
	}
}
