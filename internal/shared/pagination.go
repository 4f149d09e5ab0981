package shared

const (
	// DefaultListLimit applies when a listing request omits the limit.
	DefaultListLimit = 50
	// MaxListLimit caps page sizes on listing endpoints.
	MaxListLimit = 200
)

// ClampPage normalises limit and offset for list queries.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
