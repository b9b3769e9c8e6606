package nosql

import (
	"errors"
	"fmt"
	"slices"

	"github.com/andreyvit/nosql/journal"
)

// Terminal is the operation a query performs when executed.
type Terminal int

const (
	TermNone Terminal = iota
	TermFind
	TermOne
	TermTop
	TermCount
	TermScalar
	TermInsert
	TermUpdate
	TermModify
	TermRemove
	TermView
)

func (t Terminal) String() string {
	switch t {
	case TermNone:
		return "none"
	case TermFind:
		return "find"
	case TermOne:
		return "one"
	case TermTop:
		return "top"
	case TermCount:
		return "count"
	case TermScalar:
		return "scalar"
	case TermInsert:
		return "insert"
	case TermUpdate:
		return "update"
	case TermModify:
		return "modify"
	case TermRemove:
		return "remove"
	case TermView:
		return "view"
	default:
		return fmt.Sprintf("invalid terminal %d", int(t))
	}
}

type FallbackMode int

const (
	FallbackNone FallbackMode = iota
	// FallbackInsertPatch inserts the patch itself as a new document.
	FallbackInsertPatch
	// FallbackInsertReplacement inserts the given document.
	FallbackInsertReplacement
)

// Fallback says what update and modify do when nothing matches.
type Fallback struct {
	Mode     FallbackMode
	Document Document
}

var NoFallback = Fallback{}

func InsertPatch() Fallback {
	return Fallback{Mode: FallbackInsertPatch}
}

func InsertReplacement(doc Document) Fallback {
	return Fallback{Mode: FallbackInsertReplacement, Document: doc}
}

// Result is the outcome of an executed query. Which fields are set depends
// on the terminal operation:
//
//   - find, top: Documents and IDs in result order, Count;
//   - one: Found, and the document in Documents[0] if found;
//   - count: Count;
//   - scalar: Scalar;
//   - insert: ID of the new document, or Duplicate;
//   - update, modify: Count of patched documents with their IDs and new
//     contents, or Inserted and ID when the fallback inserted a document;
//   - remove: Count, IDs and Documents of the removed documents;
//   - view: Count of documents in the view.
type Result struct {
	Op        Terminal
	Documents []Document
	IDs       []uint64
	Found     bool
	Count     int
	Scalar    *Scalar
	Duplicate bool
	Inserted  bool
	ID        uint64
}

// First returns the first document of the result, or nil.
func (r *Result) First() Document {
	if len(r.Documents) == 0 {
		return nil
	}
	return r.Documents[0]
}

// Query is a deferred query: a scope (the whole log or a named view),
// conditions, sorting, pagination and exactly one terminal operation.
// Nothing runs until Exec. Mistakes in building the query are remembered
// and reported by Exec before anything is read or written.
type Query struct {
	db        *DB
	scope     string
	conds     []Cond
	funcs     []func(Document) bool
	sortField string
	sortDesc  bool
	skip      int
	take      int

	term       Terminal
	max        int
	scalarType ScalarType
	field      string
	doc        Document
	unique     bool
	patch      Patch
	fallback   Fallback
	backupPath string
	viewName   string

	err      error
	executed bool
}

// Query starts a query over the whole log, or over the named view.
func (db *DB) Query(view ...string) *Query {
	q := &Query{db: db, take: -1}
	switch len(view) {
	case 0:
	case 1:
		q.scope = view[0]
		if q.scope == "" {
			q.fail(usageErrf("query", "empty view name"))
		} else if !db.hasView(q.scope) {
			q.fail(usageErrf("query", "%v: %q", ErrViewNotFound, q.scope))
		}
	default:
		q.fail(usageErrf("query", "at most one view can be queried, got %d", len(view)))
	}
	return q
}

func (q *Query) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

func (q *Query) building(op string) bool {
	if q.executed {
		q.fail(usageErrf(op, "query already executed"))
		return false
	}
	return true
}

func (q *Query) attach(t Terminal) bool {
	if !q.building(t.String()) {
		return false
	}
	if q.term != TermNone {
		q.fail(usageErrf(t.String(), "query already has a %v operation", q.term))
		return false
	}
	q.term = t
	return true
}

// Where adds a condition; conditions combine with AND in the order given.
func (q *Query) Where(field string, op Operator, value any) *Query {
	if !q.building("where") {
		return q
	}
	c, err := normalizeCond(Cond{Field: field, Op: op, Value: value})
	if err != nil {
		q.fail(err)
		return q
	}
	q.conds = append(q.conds, c)
	return q
}

// Filter adds an arbitrary predicate. Queries using Filter cannot define
// views, because functions cannot be persisted.
func (q *Query) Filter(f func(doc Document) bool) *Query {
	if !q.building("filter") {
		return q
	}
	if f == nil {
		q.fail(usageErrf("filter", "nil predicate"))
		return q
	}
	q.funcs = append(q.funcs, f)
	return q
}

// Sort orders results by a field. Ties keep scope order.
func (q *Query) Sort(field string, desc bool) *Query {
	if !q.building("sort") {
		return q
	}
	if field == "" {
		q.fail(usageErrf("sort", "field is required"))
		return q
	}
	q.sortField, q.sortDesc = field, desc
	return q
}

func (q *Query) Skip(n int) *Query {
	if !q.building("skip") {
		return q
	}
	if n < 0 {
		q.fail(usageErrf("skip", "negative count %d", n))
		return q
	}
	q.skip = n
	return q
}

func (q *Query) Take(n int) *Query {
	if !q.building("take") {
		return q
	}
	if n < 0 {
		q.fail(usageErrf("take", "negative count %d", n))
		return q
	}
	q.take = n
	return q
}

func (q *Query) Find() *Query {
	q.attach(TermFind)
	return q
}

func (q *Query) One() *Query {
	q.attach(TermOne)
	return q
}

func (q *Query) Top(max int) *Query {
	if q.attach(TermTop) {
		if max < 0 {
			q.fail(usageErrf("top", "negative maximum %d", max))
		}
		q.max = max
	}
	return q
}

func (q *Query) Count() *Query {
	q.attach(TermCount)
	return q
}

func (q *Query) Scalar(typ ScalarType, field string) *Query {
	if q.attach(TermScalar) {
		if !typ.valid() {
			q.fail(usageErrf("scalar", "unsupported scalar type %d", int(typ)))
		} else if typ.needsField() && field == "" {
			q.fail(usageErrf("scalar", "%v requires a field", typ))
		}
		q.scalarType, q.field = typ, field
	}
	return q
}

// Insert adds doc. With unique set, nothing is written if an equivalent
// document exists: one matching the query conditions if there are any,
// otherwise one with identical content.
func (q *Query) Insert(doc Document, unique bool) *Query {
	if q.attach(TermInsert) {
		nd, err := Normalize(doc)
		if err != nil {
			q.fail(err)
		}
		q.doc, q.unique = nd, unique
	}
	return q
}

// Update applies patch to every matching document. Without conditions that
// is every document in scope.
func (q *Query) Update(patch Patch, fb Fallback) *Query {
	if q.attach(TermUpdate) {
		q.setPatch(patch, fb)
	}
	return q
}

// Modify is Update that reports OpModify events.
func (q *Query) Modify(patch Patch, fb Fallback) *Query {
	if q.attach(TermModify) {
		q.setPatch(patch, fb)
	}
	return q
}

func (q *Query) setPatch(patch Patch, fb Fallback) {
	if err := patch.validate(); err != nil {
		q.fail(err)
		return
	}
	q.patch = patch
	switch fb.Mode {
	case FallbackNone:
		q.fallback = fb
	case FallbackInsertPatch:
		doc, err := patch.apply(Document{})
		if err != nil {
			q.fail(err)
			return
		}
		q.fallback = Fallback{Mode: fb.Mode, Document: doc}
	case FallbackInsertReplacement:
		doc, err := Normalize(fb.Document)
		if err != nil {
			q.fail(err)
			return
		}
		q.fallback = Fallback{Mode: fb.Mode, Document: doc}
	default:
		q.fail(usageErrf(q.term.String(), "invalid fallback mode %d", int(fb.Mode)))
	}
}

// Remove deletes every matching document. If backupPath is not empty, the
// removed records are first appended to a log file at that path and flushed,
// and only then deleted.
func (q *Query) Remove(backupPath string) *Query {
	if q.attach(TermRemove) {
		q.backupPath = backupPath
	}
	return q
}

func (q *Query) defineView(name string) *Query {
	if q.attach(TermView) {
		if name == "" {
			q.fail(usageErrf("view", "name is required"))
		}
		q.viewName = name
	}
	return q
}

// Exec runs the query. It can only be called once.
func (q *Query) Exec() (*Result, error) {
	if q.executed {
		return nil, usageErrf(q.term.String(), "query already executed")
	}
	q.executed = true
	if q.err != nil {
		return nil, q.err
	}
	if q.term == TermNone {
		return nil, usageErrf("exec", "no operation attached")
	}
	if q.term == TermView {
		return q.execView()
	}

	pred, err := compileConds(q.conds)
	if err != nil {
		return nil, err
	}
	for _, f := range q.funcs {
		pred = append(pred, f)
	}

	res := &Result{Op: q.term}
	switch q.term {
	case TermFind, TermTop:
		limit := -1
		if q.term == TermTop {
			limit = q.max
		}
		err = q.db.read(func() error {
			return q.each_locked(pred, limit, true, func(m match) bool {
				res.Documents = append(res.Documents, m.doc)
				res.IDs = append(res.IDs, m.id)
				return true
			})
		})
		res.Count = len(res.Documents)

	case TermOne:
		err = q.db.read(func() error {
			return q.each_locked(pred, 1, true, func(m match) bool {
				res.Documents = []Document{m.doc}
				res.IDs = []uint64{m.id}
				res.ID, res.Found, res.Count = m.id, true, 1
				return false
			})
		})

	case TermCount:
		err = q.db.read(func() error {
			return q.each_locked(pred, -1, len(pred) > 0, func(m match) bool {
				res.Count++
				return true
			})
		})

	case TermScalar:
		err = q.db.read(func() error {
			var scanErr error
			res.Scalar = aggregate(q.scalarType, q.field, func(yield func(Document) bool) {
				scanErr = q.each_locked(pred, -1, q.scalarType.needsField(), func(m match) bool {
					return yield(m.doc)
				})
			})
			res.Count = res.Scalar.Count
			return scanErr
		})

	case TermInsert:
		err = q.db.write(func(w *writer) error {
			return q.execInsert_locked(w, pred, res)
		})

	case TermUpdate, TermModify:
		op := OpUpdate
		if q.term == TermModify {
			op = OpModify
		}
		err = q.db.write(func(w *writer) error {
			return q.execPatch_locked(w, op, pred, res)
		})

	case TermRemove:
		err = q.db.write(func(w *writer) error {
			return q.execRemove_locked(w, pred, res)
		})

	default:
		panic(fmt.Errorf("unhandled terminal %v", q.term))
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

func (q *Query) execInsert_locked(w *writer, pred predicate, res *Result) error {
	if q.unique {
		// skip, take and sort do not narrow the duplicate check
		scope, err := q.scope_locked()
		if err != nil {
			return err
		}
		var dup bool
		err = q.db.scan_locked(scope, true, func(m match) bool {
			if !pred.match(m.doc) {
				return true
			}
			if len(pred) > 0 || Equal(m.doc, q.doc) {
				dup = true
				res.ID = m.id
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if dup {
			res.Duplicate = true
			return nil
		}
	}
	id, err := w.insert(q.doc)
	if err != nil {
		return err
	}
	res.ID, res.Count = id, 1
	return nil
}

func (q *Query) execPatch_locked(w *writer, op Op, pred predicate, res *Result) error {
	ms, err := q.collect_locked(pred)
	if err != nil {
		return err
	}
	for _, m := range ms {
		doc, err := q.patch.apply(m.doc)
		if err != nil {
			return err
		}
		if err := w.rewrite(op, m, doc); err != nil {
			return err
		}
		res.Count++
		res.IDs = append(res.IDs, m.id)
		res.Documents = append(res.Documents, doc)
	}
	if len(ms) == 0 && q.fallback.Mode != FallbackNone {
		id, err := w.insert(q.fallback.Document)
		if err != nil {
			return err
		}
		res.Inserted, res.ID = true, id
		res.IDs = []uint64{id}
		res.Documents = []Document{q.fallback.Document.Clone()}
	}
	return nil
}

func (q *Query) execRemove_locked(w *writer, pred predicate, res *Result) error {
	ms, err := q.collect_locked(pred)
	if err != nil || len(ms) == 0 {
		return err
	}
	if q.backupPath != "" {
		if err := q.db.saveRemoved_locked(q.backupPath, ms); err != nil {
			return err
		}
	}
	for _, m := range ms {
		if err := w.remove(m); err != nil {
			return err
		}
		res.Count++
		res.IDs = append(res.IDs, m.id)
		res.Documents = append(res.Documents, m.doc)
	}
	return nil
}

func (q *Query) execView() (*Result, error) {
	if q.scope != "" {
		return nil, usageErrf("view", "a view cannot be defined over another view")
	}
	if len(q.funcs) > 0 {
		return nil, usageErrf("view", "filter functions cannot be persisted, use Where")
	}
	if q.skip != 0 || q.take >= 0 {
		return nil, usageErrf("view", "views do not support skip or take")
	}
	def := ViewDef{
		Name:      q.viewName,
		Filter:    slices.Clone(q.conds),
		SortField: q.sortField,
		SortDesc:  q.sortDesc,
	}
	res := &Result{Op: TermView}
	err := q.db.write(func(w *writer) error {
		v, err := q.db.defineView_locked(def)
		if err != nil {
			return err
		}
		res.Count = v.Len()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *Query) scope_locked() (*view, error) {
	if q.scope == "" {
		return nil, nil
	}
	v := q.db.views[q.scope]
	if v == nil {
		return nil, fmt.Errorf("nosql: %w: %q", ErrViewNotFound, q.scope)
	}
	return v, nil
}

// each_locked yields the matches of the query in result order, applying
// sort, skip and take, and at most limit matches if limit >= 0. Documents
// are decoded only if decode is set or needed for filtering or sorting.
func (q *Query) each_locked(pred predicate, limit int, decode bool, yield func(m match) bool) error {
	scope, err := q.scope_locked()
	if err != nil {
		return err
	}
	take := q.take
	if limit >= 0 && (take < 0 || limit < take) {
		take = limit
	}
	if take == 0 {
		return nil
	}
	decode = decode || len(pred) > 0 || q.sortField != ""

	if q.sortField == "" {
		skip, n := q.skip, 0
		return q.db.scan_locked(scope, decode, func(m match) bool {
			if !pred.match(m.doc) {
				return true
			}
			if skip > 0 {
				skip--
				return true
			}
			n++
			return yield(m) && (take < 0 || n < take)
		})
	}

	var all []match
	err = q.db.scan_locked(scope, decode, func(m match) bool {
		if pred.match(m.doc) {
			all = append(all, m)
		}
		return true
	})
	if err != nil {
		return err
	}
	field, desc := q.sortField, q.sortDesc
	slices.SortStableFunc(all, func(a, b match) int {
		ka, _ := a.doc.Get(field)
		kb, _ := b.doc.Get(field)
		r := compareValues(ka, kb)
		if desc {
			r = -r
		}
		return r
	})
	if q.skip >= len(all) {
		return nil
	}
	all = all[q.skip:]
	if take >= 0 && take < len(all) {
		all = all[:take]
	}
	for _, m := range all {
		if !yield(m) {
			break
		}
	}
	return nil
}

// collect_locked returns all matches; writes must not start until the scan
// is over.
func (q *Query) collect_locked(pred predicate) ([]match, error) {
	var ms []match
	err := q.each_locked(pred, -1, true, func(m match) bool {
		ms = append(ms, m)
		return true
	})
	return ms, err
}

type match struct {
	id  uint64
	off int64
	doc Document
}

// scan_locked yields the active documents of the log (scope == nil) or of a
// view, in log or view order. Corrupt records are reported and skipped. The
// callback must not write.
func (db *DB) scan_locked(scope *view, decode bool, yield func(m match) bool) error {
	if scope != nil {
		for _, e := range scope.entries {
			m := match{id: e.id, off: e.off}
			if decode {
				rec, err := db.jrnl.Read(e.off)
				if errors.Is(err, journal.ErrCorrupted) {
					db.reportCorrupt(e.off, err)
					continue
				} else if err != nil {
					return fmt.Errorf("nosql: view %s: %w", scope.Name(), err)
				}
				doc, err := DecodeDocument(rec.Payload)
				if err != nil {
					db.reportCorrupt(e.off, err)
					continue
				}
				m.doc = doc
			}
			if !yield(m) {
				return nil
			}
		}
		return nil
	}

	for rec, err := range db.jrnl.Scan() {
		if errors.Is(err, journal.ErrCorrupted) {
			db.reportCorrupt(rec.Offset, err)
			continue
		} else if err != nil {
			return fmt.Errorf("nosql: scan: %w", err)
		}
		m := match{id: rec.ID, off: rec.Offset}
		if decode {
			doc, err := DecodeDocument(rec.Payload)
			if err != nil {
				db.reportCorrupt(rec.Offset, err)
				continue
			}
			m.doc = doc
		}
		if !yield(m) {
			return nil
		}
	}
	return nil
}

// saveRemoved_locked appends the records about to be removed to a log file
// at path, flushing each one before returning.
func (db *DB) saveRemoved_locked(path string, ms []match) error {
	bj, err := journal.Open(path, journal.Options{
		Context: db.context,
		Logger:  db.logger,
		Verbose: db.verbose,
		NoSync:  db.opt.NoSync,
		Now:     db.opt.Now,
		OnSync:  db.metrics.observeFsync,
	})
	if err != nil {
		return fmt.Errorf("nosql: remove backup: %w", err)
	}
	for _, m := range ms {
		rec, err := db.jrnl.Read(m.off)
		if err != nil {
			bj.Close()
			return fmt.Errorf("nosql: remove backup: %w", err)
		}
		if _, _, err := bj.Append(m.id, rec.Payload); err != nil {
			bj.Close()
			return fmt.Errorf("nosql: remove backup: %w", err)
		}
	}
	if err := bj.Close(); err != nil {
		return fmt.Errorf("nosql: remove backup: %w", err)
	}
	return nil
}

func (db *DB) Find(view ...string) *Query {
	return db.Query(view...).Find()
}

func (db *DB) One(view ...string) *Query {
	return db.Query(view...).One()
}

func (db *DB) Top(max int, view ...string) *Query {
	return db.Query(view...).Top(max)
}

func (db *DB) Count(view ...string) *Query {
	return db.Query(view...).Count()
}

func (db *DB) Scalar(typ ScalarType, field string) *Query {
	return db.Query().Scalar(typ, field)
}

func (db *DB) Insert(doc Document, unique bool) *Query {
	return db.Query().Insert(doc, unique)
}

func (db *DB) Update(patch Patch, fb Fallback) *Query {
	return db.Query().Update(patch, fb)
}

func (db *DB) Modify(patch Patch, fb Fallback) *Query {
	return db.Query().Modify(patch, fb)
}

func (db *DB) Remove(backupPath string) *Query {
	return db.Query().Remove(backupPath)
}
