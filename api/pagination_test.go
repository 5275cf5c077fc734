package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageRequest(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultPageLimit, 0},
		{"limit=20", 20, 0},
		{"offset=10", defaultPageLimit, 10},
		{"limit=5&offset=5", 5, 5},
		{"limit=1000", maxPageLimit, 0},
		{"limit=-1&offset=-3", defaultPageLimit, 0},
		{"limit=abc&offset=x", defaultPageLimit, 0},
		{"limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/auth/users?"+tt.query, nil)
			limit, offset := pageRequest(r)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestPage(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	got, meta := page(items, 2, 0)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, PaginationMeta{Total: 5, Limit: 2, Offset: 0, HasMore: true}, meta)

	got, meta = page(items, 2, 4)
	assert.Equal(t, []string{"e"}, got)
	assert.False(t, meta.HasMore)

	got, meta = page(items, 10, 0)
	assert.Len(t, got, 5)
	assert.False(t, meta.HasMore)

	got, meta = page(items, 2, 100)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, 100, meta.Offset)

	got, _ = page([]string{}, 10, 0)
	assert.Empty(t, got)
}
