// Package pagination turns page, per_page, cursor and exclude_count request
// parameters into the window of a root select, and the fetched rows back into
// a page plus its meta block.
//
// Page mode counts the matching rows unless counting is suppressed. Cursor
// mode seeks past the ordering value of the previous page and always fetches
// one extra row to find the next cursor.
package pagination

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"dynrest/internal/apierr"
	"dynrest/internal/cursor"
	"dynrest/internal/planner"
)

// LastPage is the page value that selects the final page.
const LastPage = "last"

// Settings are the configured pagination defaults.
type Settings struct {
	DefaultPageSize int
	MaxPageSize     int
	// ExcludeCount suppresses the count query for every request.
	ExcludeCount bool
}

// Params are the raw pagination parameters of one request.
type Params struct {
	Page    string
	PerPage string
	Cursor  string
	// CursorOrder overrides the cursor ordering, such as "created".
	CursorOrder  string
	ExcludeCount bool
}

// Mode selects offset or cursor pagination.
type Mode int

const (
	ModePage Mode = iota
	ModeCursor
)

// Plan is the pagination strategy of one request.
type Plan struct {
	Mode    Mode
	PerPage int
	// Count is set when a count query runs. Without it one extra row is
	// fetched to tell whether more pages exist.
	Count bool

	page    int
	last    bool
	rawPg   string
	token   string
	after   string
	order   cursor.Order
	hasSeek bool
}

// New validates the parameters. cursorOrder is the entity's cursor ordering,
// such as "-created"; a CursorOrder parameter takes its place.
func New(p Params, s Settings, cursorOrder string) (*Plan, error) {
	plan := &Plan{PerPage: pageSize(p.PerPage, s)}
	if override := strings.TrimSpace(p.CursorOrder); override != "" {
		cursorOrder = override
	}
	token := strings.TrimSpace(p.Cursor)
	if token != "" {
		after, err := cursor.Decode(token)
		if err != nil {
			return nil, err
		}
		plan.Mode = ModeCursor
		plan.token = token
		plan.after = after
		plan.hasSeek = !cursor.IsFirst(token)
		plan.order = cursor.ParseOrder(cursorOrder)
		if plan.order.Field == "" {
			return nil, fmt.Errorf("cursor pagination needs an ordering field")
		}
		plan.Count = !(s.ExcludeCount || p.ExcludeCount || plan.hasSeek)
		return plan, nil
	}

	plan.Count = !(s.ExcludeCount || p.ExcludeCount)
	plan.rawPg = strings.TrimSpace(p.Page)
	switch plan.rawPg {
	case "":
		plan.page = 1
	case LastPage:
		plan.last = true
	default:
		n, err := strconv.Atoi(plan.rawPg)
		if err != nil {
			return nil, &apierr.InvalidPageError{Page: plan.rawPg, Message: "That page number is not an integer"}
		}
		if n < 1 {
			return nil, &apierr.InvalidPageError{Page: plan.rawPg, Message: "That page number is less than 1"}
		}
		plan.page = n
	}
	return plan, nil
}

// pageSize reads per_page. Missing or invalid values use the default; large
// values are cut to the maximum.
func pageSize(raw string, s Settings) int {
	size := s.DefaultPageSize
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
		size = n
	}
	if s.MaxPageSize > 0 && size > s.MaxPageSize {
		size = s.MaxPageSize
	}
	return size
}

// Order is the cursor ordering; only meaningful in cursor mode.
func (p *Plan) Order() cursor.Order { return p.order }

// TotalPages is the page count for a number of matching rows. An empty
// result still has one page.
func (p *Plan) TotalPages(total int) int {
	if !p.Count || p.PerPage <= 0 {
		return 1
	}
	hits := total
	if hits < 1 {
		hits = 1
	}
	return int(math.Ceil(float64(hits) / float64(p.PerPage)))
}

// Page is the resolved 1-based page number. "last" resolves against total.
func (p *Plan) Page(total int) int {
	if p.last {
		return p.TotalPages(total)
	}
	return p.page
}

// Window returns the slice of rows to fetch. total is the count result and
// is ignored when Count is false. seekColumn is the physical column of the
// cursor ordering.
func (p *Plan) Window(total int, seekColumn string) (planner.Window, error) {
	if p.Mode == ModeCursor {
		w := planner.Window{Limit: p.PerPage + 1}
		if p.hasSeek {
			w.Seek = &planner.Seek{Columns: []string{seekColumn}, Values: []any{p.after}, Desc: p.order.Desc}
		}
		return w, nil
	}

	page := p.Page(total)
	if p.Count && page > p.TotalPages(total) && page != 1 {
		return planner.Window{}, &apierr.InvalidPageError{Page: p.rawPg, Message: "That page contains no results"}
	}
	extra := 0
	if !p.Count {
		extra = 1
	}
	return planner.OffsetWindow(page, p.PerPage, extra), nil
}

// Meta is the pagination block of a list response.
type Meta struct {
	Page         any
	PerPage      int
	Cursor       *string
	CursorMode   bool
	TotalResults int
	TotalPages   int
	MorePages    bool
	Counted      bool
}

// Map renders the meta block: page and per_page always, the next cursor in
// cursor mode, then either the totals or more_pages.
func (m Meta) Map() map[string]any {
	out := map[string]any{"page": m.Page, "per_page": m.PerPage}
	if m.CursorMode {
		if m.Cursor != nil {
			out["cursor"] = *m.Cursor
		} else {
			out["cursor"] = nil
		}
	}
	if m.Counted {
		out["total_results"] = m.TotalResults
		out["total_pages"] = m.TotalPages
	} else {
		out["more_pages"] = m.MorePages
	}
	return out
}

// Finish trims the extra row off fetched rows and builds the meta block.
// cursorValue reads the cursor ordering value of a row.
func Finish[T any](p *Plan, rows []T, total int, cursorValue func(T) any) ([]T, Meta) {
	meta := Meta{PerPage: p.PerPage, Counted: p.Count, CursorMode: p.Mode == ModeCursor}
	more := len(rows) > p.PerPage
	if more {
		rows = rows[:p.PerPage]
	}
	if p.Mode == ModeCursor {
		meta.Page = p.token
		if more && len(rows) > 0 {
			next := cursor.Encode(cursorValue(rows[len(rows)-1]))
			meta.Cursor = &next
		}
	} else {
		meta.Page = p.Page(total)
	}
	if p.Count {
		meta.TotalResults = total
		meta.TotalPages = p.TotalPages(total)
	} else {
		meta.MorePages = more
	}
	return rows, meta
}
