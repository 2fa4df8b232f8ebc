package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Params holds page-based pagination extracted from a request.
type Params struct {
	Page     int
	PageSize int
}

// FromContext reads page/page_size. When those are absent, limit/offset are
// accepted and converted to the page that contains offset.
func FromContext(c echo.Context) Params {
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	if size <= 0 {
		size, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		if offset, _ := strconv.Atoi(c.QueryParam("offset")); offset > 0 {
			page = offset/size + 1
		}
	}
	if page <= 0 {
		page = 1
	}

	return Params{Page: page, PageSize: size}
}

// Offset returns the number of items before the current page.
func (p Params) Offset() int { return (p.Page - 1) * p.PageSize }

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset()+p.PageSize < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool { return p.Page > 1 }

// Response wraps a paginated API response.
type Response struct {
	Data     interface{} `json:"data"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	HasMore  bool        `json:"has_more"`
	Links    []Link      `json:"links,omitempty"`
}

func NewResponse(data interface{}, total, page, pageSize int) *Response {
	p := Params{Page: page, PageSize: pageSize}
	return &Response{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  p.HasNext(total),
	}
}

// Link is a navigation link for a paginated result.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links generates self/next/previous links. basePath should be the request
// path, e.g. "/api/v1/specimens".
func (p Params) Links(basePath string, total int) []Link {
	links := []Link{{
		Relation: "self",
		URL:      fmt.Sprintf("%s?page=%d&page_size=%d", basePath, p.Page, p.PageSize),
	}}
	if p.HasNext(total) {
		links = append(links, Link{
			Relation: "next",
			URL:      fmt.Sprintf("%s?page=%d&page_size=%d", basePath, p.Page+1, p.PageSize),
		})
	}
	if p.HasPrevious() {
		links = append(links, Link{
			Relation: "previous",
			URL:      fmt.Sprintf("%s?page=%d&page_size=%d", basePath, p.Page-1, p.PageSize),
		})
	}
	return links
}
