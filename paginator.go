package hume

import (
	"context"
	"encoding/json"
	"iter"
	"strconv"
	"sync/atomic"
)

// Page is one page of a paginated listing. An empty Cursor means it is the
// last page.
type Page[T any] struct {
	Items  []T
	Cursor string
}

// PageDecoder turns a raw response body into a Page.
type PageDecoder[T any] func(raw []byte) (*Page[T], error)

// Paginator walks a paginated endpoint one page per NextPage call.
// A Paginator must not be used from several goroutines at once; overlapping
// NextPage calls fail with ErrConcurrentPagination.
type Paginator[T any] struct {
	exec        *Executor
	spec        RequestSpec
	decode      PageDecoder[T]
	cursorParam string

	cursor   string
	started  bool
	done     bool
	inFlight atomic.Bool
}

// PaginatorOption configures a Paginator.
type PaginatorOption[T any] func(*Paginator[T])

// WithCursorParam sets the query parameter carrying the cursor.
// Default: "cursor"
func WithCursorParam[T any](name string) PaginatorOption[T] {
	return func(p *Paginator[T]) { p.cursorParam = name }
}

// WithPageDecoder replaces the default {"items": [...], "next_cursor": "..."} decoder.
func WithPageDecoder[T any](d PageDecoder[T]) PaginatorOption[T] {
	return func(p *Paginator[T]) { p.decode = d }
}

// NewPaginator creates a paginator issuing spec through exec.
func NewPaginator[T any](exec *Executor, spec RequestSpec, opts ...PaginatorOption[T]) *Paginator[T] {
	p := &Paginator[T]{
		exec:        exec,
		spec:        spec,
		decode:      CursorPage[T],
		cursorParam: "cursor",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NextPage fetches the next page. It returns (nil, nil) once the previous
// page carried no cursor. On error the paginator does not advance and the
// same page can be requested again.
func (p *Paginator[T]) NextPage(ctx context.Context) (*Page[T], error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, ErrConcurrentPagination
	}
	defer p.inFlight.Store(false)

	if p.done {
		return nil, nil
	}
	spec := p.spec
	if p.started {
		spec = spec.setQuery(p.cursorParam, p.cursor)
	}
	raw, err := p.exec.DoRaw(ctx, spec)
	if err != nil {
		return nil, err
	}
	page, err := p.decode(raw)
	if err != nil {
		return nil, err
	}
	p.started = true
	p.cursor = page.Cursor
	if page.Cursor == "" {
		p.done = true
	}
	return page, nil
}

// All yields every item across the remaining pages. Iteration stops at the
// first error, which is yielded with a zero item.
func (p *Paginator[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			page, err := p.NextPage(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if page == nil {
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// CursorPage decodes {"items": [...], "next_cursor": "..."} bodies. A null
// or missing cursor ends pagination.
func CursorPage[T any](raw []byte) (*Page[T], error) {
	var body struct {
		Items      []T     `json:"items"`
		NextCursor *string `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &DecodeError{What: "page", Raw: raw, Err: err}
	}
	page := &Page[T]{Items: body.Items}
	if body.NextCursor != nil {
		page.Cursor = *body.NextCursor
	}
	return page, nil
}

// PageNumberCursor returns a decoder for endpoints paginated by page_number.
// field names the array holding the items (e.g. "chats_page"). The cursor is
// the next page number, empty once a page comes back short or total_pages is
// reached.
func PageNumberCursor[T any](field string) PageDecoder[T] {
	return func(raw []byte) (*Page[T], error) {
		var body map[string]json.RawMessage
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, &DecodeError{What: "page", Raw: raw, Err: err}
		}
		var items []T
		if rawItems, ok := body[field]; ok {
			if err := json.Unmarshal(rawItems, &items); err != nil {
				return nil, &DecodeError{What: field, Raw: rawItems, Err: err}
			}
		}
		var number, size, total int
		_ = json.Unmarshal(body["page_number"], &number)
		_ = json.Unmarshal(body["page_size"], &size)
		_ = json.Unmarshal(body["total_pages"], &total)

		page := &Page[T]{Items: items}
		switch {
		case len(items) == 0:
		case total > 0 && number+1 >= total:
		case size > 0 && len(items) < size:
		default:
			page.Cursor = strconv.Itoa(number + 1)
		}
		return page, nil
	}
}
