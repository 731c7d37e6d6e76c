package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts limit and offset query parameters from the echo
// context, clamping the limit to MaxLimit.
func FromContext(c echo.Context) Params {
	return Parse(c.QueryParam("limit"), c.QueryParam("offset"), DefaultLimit, MaxLimit)
}

// Parse converts raw limit/offset strings into Params. Invalid or
// non-positive limits fall back to def; negative offsets become zero.
func Parse(rawLimit, rawOffset string, def, max int) Params {
	limit, _ := strconv.Atoi(rawLimit)
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}

	offset, _ := strconv.Atoi(rawOffset)
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// Window returns the [start, end) bounds of the page within n items.
func (p Params) Window(n int) (int, int) {
	start := p.Offset
	if start > n {
		start = n
	}
	end := start + p.Limit
	if end > n {
		end = n
	}
	return start, end
}
