// Package pagination provides page/limit parameters for list endpoints.
package pagination

import "strconv"

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a normalized page request. Page is 1-based.
type Params struct {
	Page  int
	Limit int
}

// Meta describes a returned page.
type Meta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// Parse reads query string values, falling back to page 1 and the default
// limit on missing or malformed input. Limit is capped at MaxLimit.
func Parse(page, limit string) Params {
	p := Params{Page: 1, Limit: DefaultLimit}
	if n, err := strconv.Atoi(page); err == nil && n > 0 {
		p.Page = n
	}
	if n, err := strconv.Atoi(limit); err == nil && n > 0 {
		p.Limit = n
	}
	return p.Normalize()
}

// Normalize clamps zero or out-of-range values.
func (p Params) Normalize() Params {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Offset is the number of rows to skip.
func (p Params) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

// MetaFor builds page metadata given the total row count.
func (p Params) MetaFor(total int) Meta {
	p = p.Normalize()
	return Meta{
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		HasMore: p.Offset()+p.Limit < total,
	}
}

// Window slices an already filtered and ordered list for in-memory stores.
func Window[T any](items []T, p Params) []T {
	off := p.Offset()
	if off >= len(items) {
		return nil
	}
	end := off + p.Normalize().Limit
	if end > len(items) {
		end = len(items)
	}
	return items[off:end]
}
