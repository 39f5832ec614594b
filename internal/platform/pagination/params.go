package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	domain "github.com/ferncart/api/internal/domain"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// ErrInvalidParams flags malformed paging values in the query string.
var ErrInvalidParams = errors.New("pagination: invalid parameters")

// Options tweaks parsing behaviour per endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Parse extracts page and page_size from the request query string. Missing
// values fall back to the defaults; out-of-range values are rejected so
// clients notice typos instead of silently getting page one.
func Parse(r *http.Request, opts Options) (domain.Pagination, error) {
	if r == nil {
		return domain.Pagination{}, fmt.Errorf("%w: request is required", ErrInvalidParams)
	}
	defSize := opts.DefaultPageSize
	if defSize <= 0 {
		defSize = DefaultPageSize
	}
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}

	query := r.URL.Query()

	page, err := intParam(query.Get("page"), 1)
	if err != nil {
		return domain.Pagination{}, fmt.Errorf("%w: page must be a positive integer", ErrInvalidParams)
	}
	if page < 1 {
		return domain.Pagination{}, fmt.Errorf("%w: page must be at least 1", ErrInvalidParams)
	}

	size, err := intParam(query.Get("page_size"), defSize)
	if err != nil {
		return domain.Pagination{}, fmt.Errorf("%w: page_size must be a positive integer", ErrInvalidParams)
	}
	if size < 1 {
		return domain.Pagination{}, fmt.Errorf("%w: page_size must be at least 1", ErrInvalidParams)
	}
	if size > maxSize {
		size = maxSize
	}

	return domain.Pagination{Page: page, PageSize: size}, nil
}

func intParam(raw string, fallback int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}
