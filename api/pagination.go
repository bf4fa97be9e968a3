package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmcleod/castore/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	HasMore    bool `json:"has_more"`
}

// parseRangeQuery reads "page", "page_size", "filter", "sort" and "order"
// query parameters. Missing or invalid values fall back to defaults
// (page=0, page_size=defaultPageSize, all records by ascending serial).
// page_size is capped at maxPageSize.
func parseRangeQuery(r *http.Request) storage.RangeQuery {
	q := r.URL.Query()

	rq := storage.RangeQuery{PageSize: defaultPageSize}
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rq.PageSize = n
		}
	}
	if rq.PageSize > maxPageSize {
		rq.PageSize = maxPageSize
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rq.Page = n
		}
	}

	switch strings.ToLower(q.Get("filter")) {
	case "revoked":
		rq.Filter = storage.FilterRevokedOnly
	case "valid", "not-revoked":
		rq.Filter = storage.FilterNotRevoked
	}
	if strings.EqualFold(q.Get("sort"), "issue_date") {
		rq.SortBy = storage.SortByIssueDate
	}
	rq.Descending = strings.EqualFold(q.Get("order"), "desc")
	return rq
}

// pageMeta fills PaginationMeta for a page of rq over total matching
// records.
func pageMeta(total int, rq storage.RangeQuery) PaginationMeta {
	return PaginationMeta{
		TotalCount: total,
		Page:       rq.Page,
		PageSize:   rq.PageSize,
		HasMore:    rq.Offset()+rq.PageSize < total,
	}
}
