package service

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"farmlokal-api/internal/catalog"
	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/repository"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPageLimit    = 20
	MaxPageLimit        = 50
	DefaultPageCacheTTL = 60 * time.Second

	pageKeyPrefix = "products:"
)

// Page is one response page. NextCursor is nil on the last page.
type Page struct {
	Items      []catalog.Product `json:"items"`
	NextCursor *string           `json:"nextCursor"`
}

// PageCodec serializes pages for the cache: JSON, zstd-compressed.
type PageCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewPageCodec() *PageCodec {
	// nil writer/reader: used only through EncodeAll/DecodeAll, which are safe for concurrent use.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil)
	return &PageCodec{enc: enc, dec: dec}
}

func (c *PageCodec) Encode(p Page) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(buf.Bytes(), nil), nil
}

func (c *PageCodec) Decode(b []byte) (Page, error) {
	raw, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return Page{}, err
	}
	var p Page
	if err := json.Unmarshal(raw, &p); err != nil {
		return Page{}, err
	}
	return p, nil
}

// Fetcher serves cursor pages cache-aside: the store is consulted first, the source
// of truth on a miss, and the fresh page is written back with a short TTL. Cache
// failures of any kind degrade to a source query; source failures are never masked.
type Fetcher struct {
	store   repository.Store
	source  catalog.Source
	codec   *PageCodec
	cfg     PageConfig
	metrics *metrics.Registry
}

// PageConfig tunes a Fetcher. Zero fields select the package defaults.
type PageConfig struct {
	TTL          time.Duration
	DefaultLimit int
	MaxLimit     int
}

func NewFetcher(s repository.Store, src catalog.Source, cfg PageConfig, m *metrics.Registry) *Fetcher {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPageCacheTTL
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxPageLimit
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultPageLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	return &Fetcher{store: s, source: src, codec: NewPageCodec(), cfg: cfg, metrics: m}
}

// ClampLimit maps a requested page size onto [1, MaxLimit], using DefaultLimit
// when the request is absent or not positive.
func (f *Fetcher) ClampLimit(limit int) int {
	if limit <= 0 {
		return f.cfg.DefaultLimit
	}
	if limit > f.cfg.MaxLimit {
		return f.cfg.MaxLimit
	}
	return limit
}

func pageKey(limit int, cursor string) string {
	if cursor == "" {
		cursor = "first"
	}
	return pageKeyPrefix + strconv.Itoa(limit) + ":" + cursor
}

// Fetch returns the page of at most limit items after cursor. An undecodable cursor
// is treated as the start of the listing.
func (f *Fetcher) Fetch(ctx context.Context, limit int, cursor string) (Page, error) {
	limit = f.ClampLimit(limit)
	key := pageKey(limit, cursor)

	if page, ok := f.lookup(ctx, key); ok {
		return page, nil
	}

	var after *catalog.Position
	if cursor != "" {
		pos, err := DecodeCursor(cursor)
		if err != nil {
			log.Debug().Str("cursor", cursor).Msg("ignoring malformed cursor, serving first page")
		} else {
			after = &pos
		}
	}

	rows, err := f.source.ListProducts(ctx, after, limit+1)
	if err != nil {
		return Page{}, ErrUpstream.Wrap(err)
	}

	if rows == nil {
		rows = []catalog.Product{}
	}
	page := Page{Items: rows}
	if len(rows) > limit {
		next := EncodeCursor(rows[limit-1].Position())
		page.NextCursor = &next
		page.Items = rows[:limit]
	}

	f.fill(ctx, key, page)
	return page, nil
}

func (f *Fetcher) lookup(ctx context.Context, key string) (Page, bool) {
	b, ok, err := f.store.Get(ctx, key)
	if err != nil {
		f.metrics.Degraded("pagecache", "get")
		f.metrics.PageCache.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("component", "pagecache").Str("key", key).Msg("cache read failed, querying source")
		return Page{}, false
	}
	if !ok {
		f.metrics.PageCache.WithLabelValues("miss").Inc()
		return Page{}, false
	}
	page, err := f.codec.Decode(b)
	if err != nil {
		f.metrics.PageCache.WithLabelValues("corrupt").Inc()
		log.Warn().Err(err).Str("component", "pagecache").Str("key", key).Msg("discarding undecodable cache entry")
		return Page{}, false
	}
	f.metrics.PageCache.WithLabelValues("hit").Inc()
	return page, true
}

func (f *Fetcher) fill(ctx context.Context, key string, page Page) {
	b, err := f.codec.Encode(page)
	if err != nil {
		log.Warn().Err(err).Str("component", "pagecache").Str("key", key).Msg("page encode failed")
		return
	}
	if err := f.store.Set(ctx, key, b, f.cfg.TTL); err != nil {
		f.metrics.Degraded("pagecache", "set")
		log.Warn().Err(err).Str("component", "pagecache").Str("key", key).Msg("cache write failed")
	}
}
