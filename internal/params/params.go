// Package params extracts the query-parameter mini-language of a request:
// field selection, filters, sorting, combine expressions and pagination.
package params

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"dynrest/internal/apierr"
	"dynrest/internal/boolutil"
	"dynrest/internal/combine"
	"dynrest/internal/filter"
	"dynrest/internal/pagination"
)

// FormatAdmin renders every root relation as an object and fetches whole
// rows at each level.
const FormatAdmin = "admin"

// Parameter names.
const (
	Include      = "include[]"
	Exclude      = "exclude[]"
	Sort         = "sort[]"
	Filter       = "filter"
	Combine      = "combine"
	Page         = "page"
	PerPage      = "per_page"
	Cursor       = "cursor"
	CursorOrder  = "cursor_order"
	ExcludeCount = "exclude_count"
	Debug        = "debug"
	Format       = "format"

	filterPrefix = "filter{"
)

// Request is a parsed request. Values are kept as the client sent them; the
// compiler stages validate them.
type Request struct {
	Include []string
	Exclude []string
	// Filters are keyed by the text inside filter{...}.
	Filters map[string][]string
	// Combinator is the bare filter= value, empty when absent.
	Combinator string
	Sort       []string
	// Combine is nil when the request has no combine parameters.
	Combine    *combine.Request
	Pagination pagination.Params
	Debug      bool
	// Format is the requested rendering, such as FormatAdmin.
	Format string

	values url.Values
}

// Parse reads a request's query parameters. Parameters whose values are all
// empty are ignored.
func Parse(values url.Values) (*Request, error) {
	r := &Request{
		Filters: map[string][]string{},
		values:  values,
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combineParams := map[string][]string{}
	for _, key := range keys {
		vals := values[key]
		if allEmpty(vals) {
			continue
		}
		switch {
		case key == Include:
			r.Include = append(r.Include, vals...)
		case key == Exclude:
			r.Exclude = append(r.Exclude, vals...)
		case key == Sort:
			r.Sort = append(r.Sort, vals...)
		case key == Filter:
			r.Combinator = vals[0]
		case strings.HasPrefix(key, filterPrefix):
			name, err := filterKey(key)
			if err != nil {
				return nil, err
			}
			r.Filters[name] = append(r.Filters[name], vals...)
		case key == Combine || strings.HasPrefix(key, Combine+"."):
			chain := strings.Split(key, ".")
			switch len(chain) {
			case 1:
				combineParams[""] = vals
			case 2:
				combineParams[chain[1]] = vals
			default:
				return nil, &apierr.InvalidCombineError{Message: fmt.Sprintf("%q is not a well-formed combine key", key)}
			}
		case key == Page:
			r.Pagination.Page = vals[0]
		case key == PerPage:
			r.Pagination.PerPage = vals[0]
		case key == Cursor:
			r.Pagination.Cursor = vals[0]
		case key == CursorOrder:
			r.Pagination.CursorOrder = vals[0]
		case key == ExcludeCount:
			r.Pagination.ExcludeCount = boolutil.IsTruthy(vals[0])
		case key == Debug:
			r.Debug = boolutil.IsTruthy(vals[0])
		case key == Format:
			r.Format = strings.ToLower(strings.TrimSpace(vals[0]))
		}
	}

	if len(combineParams) > 0 {
		r.Combine = &combine.Request{
			Expressions: combineParams[""],
			By:          combineParams["by"],
			Over:        combineParams["over"],
			Format:      combineParams["format"],
			Debug:       r.Debug,
		}
	}
	return r, nil
}

// filterKey strips filter{ and } (or }[]) off a filter parameter.
func filterKey(key string) (string, error) {
	inner := key[len(filterPrefix):]
	switch {
	case strings.HasSuffix(inner, "}[]"):
		return inner[:len(inner)-3], nil
	case strings.HasSuffix(inner, "}"):
		return inner[:len(inner)-1], nil
	default:
		return "", &apierr.MalformedFilterKeyError{Key: key}
	}
}

func allEmpty(values []string) bool {
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}

// FilterCombinator returns the requested combinator, or def when the request
// names none.
func (r *Request) FilterCombinator(def filter.Combinator) filter.Combinator {
	if strings.TrimSpace(r.Combinator) == "" {
		return def
	}
	return filter.ParseCombinator(r.Combinator)
}

// Admin reports whether the request asks for the admin rendering.
func (r *Request) Admin() bool { return r.Format == FormatAdmin }

// HasSelection reports whether the request names fields to include or exclude.
func (r *Request) HasSelection() bool {
	return len(r.Include) > 0 || len(r.Exclude) > 0
}

// Fingerprint is a stable hash of the canonical parameters: sorted keys with
// their values in request order. Equal requests share a fingerprint whatever
// their parameter order.
func (r *Request) Fingerprint() string {
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hasher := xxhash.New()
	for _, key := range keys {
		for _, v := range r.values[key] {
			_, _ = fmt.Fprintf(hasher, "%d:%s=%d:%s;", len(key), key, len(v), v)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
