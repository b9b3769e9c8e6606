package nosql

import (
	"bytes"
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ViewDef is a persisted view definition: a named filter plus an optional
// sort key.
type ViewDef struct {
	Name      string `msgpack:"name"`
	Filter    []Cond `msgpack:"filter"`
	SortField string `msgpack:"sort,omitempty"`
	SortDesc  bool   `msgpack:"desc,omitempty"`
}

func (def *ViewDef) normalize() error {
	if def.Name == "" {
		return usageErrf("view", "name is required")
	}
	for i, c := range def.Filter {
		nc, err := normalizeCond(c)
		if err != nil {
			return err
		}
		def.Filter[i] = nc
	}
	return nil
}

func (def ViewDef) String() string {
	var buf bytes.Buffer
	buf.WriteString(def.Name)
	for i, c := range def.Filter {
		if i == 0 {
			buf.WriteString(" where ")
		} else {
			buf.WriteString(" and ")
		}
		buf.WriteString(c.String())
	}
	if def.SortField != "" {
		buf.WriteString(" sort ")
		buf.WriteString(def.SortField)
		if def.SortDesc {
			buf.WriteString(" desc")
		}
	}
	return buf.String()
}

func sameViewDef(a, b ViewDef) bool {
	ab, err := encodeViewDef(a)
	if err != nil {
		return false
	}
	bb, err := encodeViewDef(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func encodeViewDef(def ViewDef) ([]byte, error) {
	return encodeSorted(&def)
}

func encodeViewDefs(defs []ViewDef) ([]byte, error) {
	return encodeSorted(defs)
}

type viewEntry struct {
	id  uint64
	off int64
	key any
}

// view is the materialized index of a view definition: ids and offsets of
// the active documents that match the filter, ordered by sort key and then
// by log offset.
type view struct {
	def     ViewDef
	pred    predicate
	entries []viewEntry
	byID    map[uint64]viewEntry
}

func newView(def ViewDef) (*view, error) {
	pred, err := compileConds(def.Filter)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", def.Name, err)
	}
	return &view{
		def:  def,
		pred: pred,
		byID: make(map[uint64]viewEntry),
	}, nil
}

func (v *view) Name() string {
	return v.def.Name
}

func (v *view) Len() int {
	return len(v.entries)
}

func (v *view) compare(a, b viewEntry) int {
	if v.def.SortField != "" {
		r := compareValues(a.key, b.key)
		if v.def.SortDesc {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return cmp.Compare(a.off, b.off)
}

func (v *view) entry(id uint64, off int64, doc Document) viewEntry {
	e := viewEntry{id: id, off: off}
	if v.def.SortField != "" {
		e.key, _ = doc.Get(v.def.SortField)
	}
	return e
}

func (v *view) reset() {
	v.entries = nil
	clear(v.byID)
}

// collect adds a matching document during a rebuild; finish must be called
// once all documents have been collected.
func (v *view) collect(id uint64, off int64, doc Document) {
	if !v.pred.match(doc) {
		return
	}
	e := v.entry(id, off, doc)
	v.entries = append(v.entries, e)
	v.byID[id] = e
}

func (v *view) finish() {
	slices.SortFunc(v.entries, v.compare)
}

func (v *view) insert(id uint64, off int64, doc Document) {
	if !v.pred.match(doc) {
		return
	}
	e := v.entry(id, off, doc)
	i, found := slices.BinarySearchFunc(v.entries, e, v.compare)
	if found {
		panic(fmt.Errorf("view %s: duplicate entry for offset %d", v.def.Name, off))
	}
	v.entries = slices.Insert(v.entries, i, e)
	v.byID[id] = e
}

func (v *view) remove(id uint64) bool {
	e, ok := v.byID[id]
	if !ok {
		return false
	}
	i, found := slices.BinarySearchFunc(v.entries, e, v.compare)
	if !found {
		panic(fmt.Errorf("view %s: entry for id %d not found at offset %d", v.def.Name, id, e.off))
	}
	v.entries = slices.Delete(v.entries, i, i+1)
	delete(v.byID, id)
	return true
}

// update re-evaluates a rewritten document, which may enter, leave or move
// within the view.
func (v *view) update(id uint64, off int64, doc Document) {
	v.remove(id)
	v.insert(id, off, doc)
}

// IDs returns document identifiers in view order.
func (v *view) IDs() []uint64 {
	ids := make([]uint64, len(v.entries))
	for i, e := range v.entries {
		ids[i] = e.id
	}
	return ids
}

func (db *DB) hasView(name string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.views[name]
	return ok
}

// View returns a query that, when executed, defines a view named name with
// the query's conditions and sort order. Redefining a view with an identical
// definition does nothing; a different definition replaces the view.
func (db *DB) View(name string) *Query {
	return db.Query().defineView(name)
}

// Views returns all view definitions sorted by name.
func (db *DB) Views() []ViewDef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.viewDefs_locked()
}

func (db *DB) viewDefs_locked() []ViewDef {
	defs := make([]ViewDef, 0, len(db.views))
	for _, v := range db.views {
		defs = append(defs, v.def)
	}
	slices.SortFunc(defs, func(a, b ViewDef) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return defs
}

// ViewIDs returns the identifiers of the documents in the named view, in
// view order.
func (db *DB) ViewIDs(name string) ([]uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v := db.views[name]
	if v == nil {
		return nil, fmt.Errorf("nosql: %w: %q", ErrViewNotFound, name)
	}
	return v.IDs(), nil
}

// RemoveView deletes a view definition and its index.
func (db *DB) RemoveView(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if db.views[name] == nil {
		return fmt.Errorf("nosql: %w: %q", ErrViewNotFound, name)
	}
	if err := db.meta.deleteView(name); err != nil {
		return err
	}
	delete(db.views, name)
	return nil
}

func (db *DB) defineView_locked(def ViewDef) (*view, error) {
	if err := def.normalize(); err != nil {
		return nil, err
	}
	if old := db.views[def.Name]; old != nil && sameViewDef(old.def, def) {
		return old, nil
	}
	v, err := newView(def)
	if err != nil {
		return nil, err
	}
	if err := db.rebuildViews_locked([]*view{v}); err != nil {
		return nil, err
	}
	if err := db.meta.putView(def); err != nil {
		return nil, err
	}
	db.views[def.Name] = v
	db.logger.LogAttrs(db.context, slog.LevelInfo, "nosql: view defined", slog.String("db", db.path), slog.String("view", def.String()), slog.Int("docs", v.Len()))
	return v, nil
}

// installViews_locked replaces all views with the given definitions and
// builds them.
func (db *DB) installViews_locked(defs []ViewDef) error {
	clear(db.views)
	vs := make([]*view, 0, len(defs))
	for _, def := range defs {
		v, err := newView(def)
		if err != nil {
			return err
		}
		vs = append(vs, v)
	}
	if err := db.rebuildViews_locked(vs); err != nil {
		return err
	}
	for _, v := range vs {
		db.views[v.Name()] = v
	}
	return nil
}

// rebuildViews_locked rebuilds the given views with a single scan of the log.
func (db *DB) rebuildViews_locked(vs []*view) error {
	if len(vs) == 0 {
		return nil
	}
	start := time.Now()
	for _, v := range vs {
		v.reset()
	}
	err := db.scan_locked(nil, true, func(m match) bool {
		for _, v := range vs {
			v.collect(m.id, m.off, m.doc)
		}
		return true
	})
	for _, v := range vs {
		v.finish()
	}
	if err != nil {
		return err
	}
	db.metrics.viewRebuilds.Add(float64(len(vs)))
	db.logger.LogAttrs(db.context, slog.LevelInfo, "nosql: views rebuilt", slog.String("db", db.path), slog.Int("views", len(vs)), slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (db *DB) reportCorrupt(off int64, err error) {
	db.metrics.corrupt.Inc()
	db.logger.LogAttrs(db.context, slog.LevelWarn, "nosql: skipping corrupt record", slog.String("db", db.path), slog.Int64("off", off), slog.Any("err", err))
}
