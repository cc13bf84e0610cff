package eventsync

import (
	"context"
	"log"
	"strings"
	"sync"
)

// firstPageSuffix names the page fetched with an empty cursor.
const firstPageSuffix = "first"

// Page is one fetched page of items. HasMore on a Pager requires NextCursor.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// PageFetchFunc fetches the page that starts at cursor ("" for the first page).
type PageFetchFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// PagerOptions configures a Pager.
type PagerOptions[T any] struct {
	FetchOptions
	// InitialCursor is the cursor of the first page.
	InitialCursor string
	// HasMoreData decides whether another page may follow page (default: page is not empty).
	HasMoreData func(page Page[T]) bool
}

// Pager assembles cursor-linked pages into one flattened sequence. Every page is its
// own cache key, so pages are cached and retried independently.
type Pager[T any] struct {
	cache   *Cache
	baseKey string
	fetch   PageFetchFunc[T]
	opts    PagerOptions[T]

	mu         sync.Mutex
	pages      []Page[T]
	keys       []string
	nextCursor string
	hasMore    bool
	loading    bool
	generation uint64 // bumped by Reset; loads started before it are discarded
}

// NewPager creates a Pager whose page keys start with baseKey.
func NewPager[T any](cache *Cache, baseKey string, fetch PageFetchFunc[T], opts PagerOptions[T]) (*Pager[T], error) {
	if cache == nil {
		return nil, &ValidationError{Field: "cache", Reason: "must not be nil"}
	}
	if strings.TrimSpace(baseKey) == "" {
		return nil, &ValidationError{Field: "baseKey", Reason: "must not be empty"}
	}
	if fetch == nil {
		return nil, &ValidationError{Field: "fetch function", Reason: "must not be nil"}
	}
	if opts.HasMoreData == nil {
		opts.HasMoreData = func(page Page[T]) bool { return len(page.Items) > 0 }
	}
	return &Pager[T]{
		cache:      cache,
		baseKey:    baseKey,
		fetch:      fetch,
		opts:       opts,
		nextCursor: opts.InitialCursor,
		hasMore:    true,
	}, nil
}

// PageKey returns the cache key of the page starting at cursor.
func (p *Pager[T]) PageKey(cursor string) string {
	if cursor == "" {
		return p.baseKey + ":" + firstPageSuffix
	}
	return p.baseKey + ":" + cursor
}

// LoadNextPage fetches and appends the next page. It is a no-op once HasMore is false
// or while another LoadNextPage is in flight. A failed fetch changes nothing.
func (p *Pager[T]) LoadNextPage(ctx context.Context) error {
	p.mu.Lock()
	if !p.hasMore || p.loading {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	cursor := p.nextCursor
	gen := p.generation
	p.mu.Unlock()

	key := p.PageKey(cursor)
	page, err := Load(ctx, p.cache, key, func(ctx context.Context) (Page[T], error) {
		return p.fetch(ctx, cursor)
	}, p.opts.FetchOptions)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		log.Printf("DEBUG: Discarding page '%s' fetched before reset", key)
		return nil
	}
	p.loading = false
	if err != nil {
		log.Printf("WARN: Loading page '%s' failed: %v", key, err)
		return err
	}
	p.pages = append(p.pages, page)
	p.keys = append(p.keys, key)
	if !p.opts.HasMoreData(page) || page.NextCursor == nil {
		p.hasMore = false
		return nil
	}
	p.nextCursor = *page.NextCursor
	return nil
}

// Data returns every loaded item, pages concatenated in fetch order.
func (p *Pager[T]) Data() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int
	for _, page := range p.pages {
		total += len(page.Items)
	}
	out := make([]T, 0, total)
	for _, page := range p.pages {
		out = append(out, page.Items...)
	}
	return out
}

// Pages returns the loaded pages in fetch order.
func (p *Pager[T]) Pages() []Page[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Page[T](nil), p.pages...)
}

// HasMore reports whether LoadNextPage may append another page.
func (p *Pager[T]) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// IsFetchingNextPage reports whether a LoadNextPage call is in flight.
func (p *Pager[T]) IsFetchingNextPage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Reset invalidates every loaded page and starts over from the initial cursor.
// A LoadNextPage in flight when Reset runs completes without appending.
func (p *Pager[T]) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.generation++
	p.loading = false
	keys := p.keys
	p.pages = nil
	p.keys = nil
	p.nextCursor = p.opts.InitialCursor
	p.hasMore = true
	p.mu.Unlock()

	for _, key := range keys {
		if err := p.cache.Invalidate(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
