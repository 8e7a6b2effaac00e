package httputil

import (
	"net/http"
	"strconv"
)

// Paging bounds.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Page holds pagination parameters read from the query string.
type Page struct {
	Number  int
	PerPage int
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int { return (p.Number - 1) * p.PerPage }

// ParsePage reads page and per_page. Missing or out-of-range values fall back
// to the defaults.
func ParsePage(r *http.Request) Page {
	p := Page{Number: 1, PerPage: DefaultPerPage}
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		p.Number = v
	}
	if v, err := strconv.Atoi(q.Get("per_page")); err == nil && v > 0 && v <= MaxPerPage {
		p.PerPage = v
	}
	return p
}

// PaginatedResponse is a generic paginated list response envelope.
type PaginatedResponse[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
}

// NewPaginatedResponse builds the envelope for one page of a total.
func NewPaginatedResponse[T any](data []T, totalCount int, page Page) PaginatedResponse[T] {
	perPage := max(page.PerPage, 1)
	totalPages := (totalCount + perPage - 1) / perPage
	if data == nil {
		data = []T{}
	}
	return PaginatedResponse[T]{
		Data:       data,
		TotalCount: totalCount,
		Page:       page.Number,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    page.Number < totalPages,
	}
}
