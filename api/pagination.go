package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// pageRequest reads limit and offset from the query string. Bad or
// non-positive values fall back to the defaults; limit is capped.
func pageRequest(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = positiveInt(q.Get("limit"), defaultPageLimit)
	limit = min(limit, maxPageLimit)
	offset = positiveInt(q.Get("offset"), 0)
	return limit, offset
}

func positiveInt(raw string, fallback int) int {
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return fallback
}

// page returns the window [offset, offset+limit) of items along with its
// metadata. An offset past the end yields an empty, non-nil slice.
func page[T any](items []T, limit, offset int) ([]T, PaginationMeta) {
	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out, PaginationMeta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
	}
}
