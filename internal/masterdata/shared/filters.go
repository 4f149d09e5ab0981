// Package shared holds list helpers common to master data packages.
package shared

const (
	DefaultPage  = 1
	DefaultLimit = 25
	MaxLimit     = 200

	SortAsc  = "asc"
	SortDesc = "desc"
)

// ListFilters represents standard list filters.
type ListFilters struct {
	Page     int
	Limit    int
	Search   string
	SortBy   string
	SortDir  string
	IsActive *bool

	// Entity specific filters
	Kind       string
	LotTracked *bool
}

// Normalize clamps pagination to sane bounds.
func (f ListFilters) Normalize() ListFilters {
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return f
}

// Offset converts page+limit into a query offset.
func (f ListFilters) Offset() int {
	offset := (f.Page - 1) * f.Limit
	if offset < 0 {
		return 0
	}
	return offset
}
