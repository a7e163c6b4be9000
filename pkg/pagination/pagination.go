package pagination

import (
	"fmt"
	"strconv"
)

// Params represents parsed page/limit query parameters.
type Params struct {
	Page  int
	Limit int
}

// Defaults and bounds for history and call-log pages.
const (
	DefaultPage  = 1
	DefaultLimit = 50
	MaxLimit     = 100
	MinLimit     = 1
)

// ParsePaginationParams parses page and limit from query strings.
// Out-of-range values are clamped; non-numeric values are an error.
func ParsePaginationParams(pageStr, limitStr string) (*Params, error) {
	page := DefaultPage
	limit := DefaultLimit

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p >= 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < MinLimit:
			limit = MinLimit
		case l > MaxLimit:
			limit = MaxLimit
		default:
			limit = l
		}
	}

	return &Params{Page: page, Limit: limit}, nil
}
