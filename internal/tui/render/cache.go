package render

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"echo-transcript/internal/history"

	"github.com/golang/groupcache/lru"
)

// DefaultCacheEntries bounds the layout cache.
const DefaultCacheEntries = 2048

// CellGap is the number of blank rows between transcript cells.
const CellGap = 1

// Settings are the inputs besides the record that change a layout.
type Settings struct {
	Width            int
	Generation       uint64
	ReasoningVisible bool
}

// CacheKey identifies one cached layout. Merged exec groups use the first
// member's id.
type CacheKey struct {
	ID               history.HistoryID
	Width            int
	Generation       uint64
	ReasoningVisible bool
}

func keyFor(id history.HistoryID, s Settings) CacheKey {
	return CacheKey{ID: id, Width: s.Width, Generation: s.Generation, ReasoningVisible: s.ReasoningVisible}
}

type cacheEntry struct {
	ids    []history.HistoryID
	revs   []uint64
	layout *Layout
}

// Stats 是缓存命中统计，测试与 /debug 使用。
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache memoizes per-cell layouts. A lookup hits only when the stored
// revisions equal the view's, so a missed invalidation costs a re-render and
// never shows stale output.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache
	byID     map[history.HistoryID]map[CacheKey]struct{}
	theme    *Theme
	settings Settings
	heights  *Heights
	stats    Stats
	// dropping marks explicit invalidation so OnEvicted does not count it as
	// capacity eviction.
	dropping bool
}

// NewCache creates a cache holding at most capacity layouts.
func NewCache(capacity int, theme *Theme) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheEntries
	}
	if theme == nil {
		theme, _ = ThemeByName("dark")
	}
	c := &Cache{
		lru:      lru.New(capacity),
		byID:     make(map[history.HistoryID]map[CacheKey]struct{}),
		theme:    theme,
		settings: Settings{Width: 80},
	}
	c.lru.OnEvicted = c.onEvicted
	return c
}

func (c *Cache) onEvicted(k lru.Key, v interface{}) {
	key := k.(CacheKey)
	c.unregister(key, v.(*cacheEntry))
	if !c.dropping {
		c.stats.Evictions++
		cacheEvictionsTotal.Inc()
	}
}

func (c *Cache) unregister(key CacheKey, e *cacheEntry) {
	for _, id := range e.ids {
		keys := c.byID[id]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byID, id)
		}
	}
}

// Settings returns the current settings.
func (c *Cache) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Theme returns the theme layouts are rendered with.
func (c *Cache) Theme() *Theme {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.theme
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len is the number of cached layouts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// SetWidth switches the viewport width. Layouts for other widths are pruned
// and the height table is dropped. It reports whether the width changed.
func (c *Cache) SetWidth(width int) bool {
	if width <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.Width == width {
		return false
	}
	c.settings.Width = width
	c.heights = nil
	var stale []CacheKey
	for _, keys := range c.byID {
		for k := range keys {
			if k.Width != width {
				stale = append(stale, k)
			}
		}
	}
	c.removeKeys(stale)
	return true
}

// SetReasoningVisible toggles full reasoning output. Layouts for both states
// stay cached since the flag is part of the key.
func (c *Cache) SetReasoningVisible(visible bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.ReasoningVisible == visible {
		return false
	}
	c.settings.ReasoningVisible = visible
	c.heights = nil
	return true
}

// SetTheme swaps the theme and bumps the generation.
func (c *Cache) SetTheme(theme *Theme) {
	if theme == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.theme = theme
	c.bumpLocked()
}

// BumpGeneration makes every existing layout unreachable. Old entries are left
// for the LRU to evict.
func (c *Cache) BumpGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bumpLocked()
}

func (c *Cache) bumpLocked() uint64 {
	c.settings.Generation++
	c.heights = nil
	return c.settings.Generation
}

// InvalidateID drops every layout that includes id, at any width or
// generation.
func (c *Cache) InvalidateID(id history.HistoryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]CacheKey, 0, len(c.byID[id]))
	for k := range c.byID[id] {
		keys = append(keys, k)
	}
	c.removeKeys(keys)
	c.heights = nil
}

// InvalidateAll empties the cache and bumps the generation, e.g. after a
// snapshot restore.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropping = true
	c.lru.Clear()
	c.dropping = false
	c.byID = make(map[history.HistoryID]map[CacheKey]struct{})
	c.bumpLocked()
	cacheEntries.Set(0)
}

func (c *Cache) removeKeys(keys []CacheKey) {
	c.dropping = true
	for _, k := range keys {
		c.lru.Remove(k)
	}
	c.dropping = false
	cacheEntries.Set(float64(c.lru.Len()))
}

// cellRef is one display cell: a single record or a merged exec group.
type cellRef struct {
	start, end int
}

func cellAt(view history.View, idx int) cellRef {
	if g, ok := view.GroupAt(idx); ok && g.Len() > 1 {
		return cellRef{start: g.Start, end: g.End}
	}
	return cellRef{start: idx, end: idx + 1}
}

func cellsOf(view history.View) []cellRef {
	var out []cellRef
	for i := 0; i < view.Len(); {
		ref := cellAt(view, i)
		out = append(out, ref)
		i = ref.end
	}
	return out
}

func (c *Cache) layoutFor(view history.View, ref cellRef, s Settings) *Layout {
	ids := make([]history.HistoryID, 0, ref.end-ref.start)
	revs := make([]uint64, 0, ref.end-ref.start)
	for i := ref.start; i < ref.end; i++ {
		ids = append(ids, view.ID(i))
		revs = append(revs, view.Revision(i))
	}
	key := keyFor(ids[0], s)

	c.mu.Lock()
	if v, ok := c.lru.Get(key); ok {
		e := v.(*cacheEntry)
		if slices.Equal(e.revs, revs) && slices.Equal(e.ids, ids) {
			c.stats.Hits++
			c.mu.Unlock()
			cacheLookupsTotal.WithLabelValues("hit").Inc()
			return e.layout
		}
	}
	c.stats.Misses++
	// 过期 generation 也用当前主题渲染。
	theme := c.theme
	c.mu.Unlock()
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	ctx := Context{Width: s.Width, Theme: theme, ReasoningVisible: s.ReasoningVisible}
	var lines []Line
	if ref.end-ref.start > 1 {
		g, _ := view.GroupAt(ref.start)
		lines = RenderMerged(view.Merge(g), ctx)
	} else {
		lines = RenderRecord(view.Record(ref.start), ctx)
	}
	layout := NewLayout(lines, s.Width)

	c.mu.Lock()
	defer c.mu.Unlock()
	// 旧 generation 或非当前宽度的结果不入缓存，SetWidth 无法清理它们。
	if s.Generation != c.settings.Generation || s.Width != c.settings.Width {
		return layout
	}
	if old, ok := c.lru.Get(key); ok {
		c.unregister(key, old.(*cacheEntry))
	}
	c.lru.Add(key, &cacheEntry{ids: ids, revs: revs, layout: layout})
	for _, id := range ids {
		keys := c.byID[id]
		if keys == nil {
			keys = make(map[CacheKey]struct{})
			c.byID[id] = keys
		}
		keys[key] = struct{}{}
	}
	cacheEntries.Set(float64(c.lru.Len()))
	return layout
}

// Resolve returns the layout of the cell containing position idx. Grouped
// execs resolve to their merged cell.
func (c *Cache) Resolve(view history.View, idx int, s Settings) *Layout {
	if idx < 0 || idx >= view.Len() {
		return nil
	}
	return c.layoutFor(view, cellAt(view, idx), normalizeSettings(s))
}

func normalizeSettings(s Settings) Settings {
	if s.Width <= 0 {
		s.Width = 80
	}
	return s
}

// Heights is a prefix table of cell heights for one view version.
type Heights struct {
	Version  uint64
	Settings Settings
	// Index is the first record position of each cell.
	Index  []int
	IDs    [][]history.HistoryID
	Rows   []int
	Height []int
	Total  int
}

// Len is the number of display cells.
func (h *Heights) Len() int { return len(h.Rows) }

// LocateRow maps an absolute row to a cell and the row offset inside it.
// Rows in the gap after a cell report offset == that cell's height.
func (h *Heights) LocateRow(row int) (cell, offset int, ok bool) {
	if h == nil || row < 0 || row >= h.Total || len(h.Rows) == 0 {
		return 0, 0, false
	}
	cell = sort.Search(len(h.Rows), func(i int) bool { return h.Rows[i] > row }) - 1
	return cell, row - h.Rows[cell], true
}

// Heights returns the row table for view, reusing the last one when neither
// the view version nor the settings changed.
func (c *Cache) Heights(view history.View, s Settings) *Heights {
	s = normalizeSettings(s)
	c.mu.Lock()
	if h := c.heights; h != nil && h.Version == view.Version() && h.Settings == s {
		c.mu.Unlock()
		return h
	}
	c.mu.Unlock()

	h := &Heights{Version: view.Version(), Settings: s}
	row := 0
	for i, ref := range cellsOf(view) {
		if i > 0 {
			row += CellGap
		}
		layout := c.layoutFor(view, ref, s)
		ids := make([]history.HistoryID, 0, ref.end-ref.start)
		for j := ref.start; j < ref.end; j++ {
			ids = append(ids, view.ID(j))
		}
		h.Index = append(h.Index, ref.start)
		h.IDs = append(h.IDs, ids)
		h.Rows = append(h.Rows, row)
		h.Height = append(h.Height, layout.Height)
		row += layout.Height
	}
	h.Total = row

	c.mu.Lock()
	if s.Generation == c.settings.Generation && s.Width == c.settings.Width {
		c.heights = h
	}
	c.mu.Unlock()
	return h
}

// Range is a half-open row window [Start, End).
type Range struct {
	Start, End int
}

// VisibleCell is one cell intersecting a row window.
type VisibleCell struct {
	ID     history.HistoryID
	IDs    []history.HistoryID
	Index  int
	Row    int
	Layout *Layout
}

// VisibleCells returns, in order, the cells that intersect r.
func (c *Cache) VisibleCells(view history.View, r Range, s Settings) []VisibleCell {
	s = normalizeSettings(s)
	h := c.Heights(view, s)
	if r.End <= r.Start || h.Len() == 0 {
		return nil
	}
	first, _, ok := h.LocateRow(max(r.Start, 0))
	if !ok {
		return nil
	}
	var out []VisibleCell
	for i := first; i < h.Len() && h.Rows[i] < r.End; i++ {
		start := h.Index[i]
		ref := cellRef{start: start, end: start + len(h.IDs[i])}
		out = append(out, VisibleCell{
			ID:     h.IDs[i][0],
			IDs:    h.IDs[i],
			Index:  start,
			Row:    h.Rows[i],
			Layout: c.layoutFor(view, ref, s),
		})
	}
	return out
}

// Lines renders the whole view as styled rows with CellGap blank rows between
// cells.
func (c *Cache) Lines(view history.View, s Settings) []string {
	return c.collect(view, s, func(l *Layout) []string { return l.Styled })
}

// PlainLines is Lines without styling.
func (c *Cache) PlainLines(view history.View, s Settings) []string {
	return c.collect(view, s, func(l *Layout) []string { return l.Plain })
}

func (c *Cache) collect(view history.View, s Settings, pick func(*Layout) []string) []string {
	s = normalizeSettings(s)
	var out []string
	for i, ref := range cellsOf(view) {
		if i > 0 {
			for range CellGap {
				out = append(out, "")
			}
		}
		out = append(out, pick(c.layoutFor(view, ref, s))...)
	}
	return out
}

// PlainText joins PlainLines.
func (c *Cache) PlainText(view history.View, s Settings) string {
	return strings.Join(c.PlainLines(view, s), "\n")
}
