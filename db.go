package nosql

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andreyvit/nosql/journal"
)

// DB is an open database: a document log, its meta store sidecar and the
// materialized views defined on it.
type DB struct {
	path    string
	opt     Options
	context context.Context
	logger  *slog.Logger
	verbose bool
	metrics *metrics

	// mu is the exclusive section: writes, backup, restore and view
	// maintenance hold it exclusively, queries hold it shared.
	mu     sync.RWMutex
	jrnl   *journal.Journal
	meta   *MetaStore
	views  map[string]*view
	closed bool

	// eventsMu guards the queue of committed changes awaiting delivery.
	eventsMu   sync.Mutex
	pending    []*Change
	delivering bool

	listenersMu    sync.Mutex
	listeners      []listener
	lastListenerID uint64

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed.
	IsTesting bool
	NoSync    bool

	// Registerer receives the database metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// MetaTimeout bounds the wait for the meta file lock held by another
	// process.
	MetaTimeout time.Duration

	Now func() time.Time
}

// Open opens or creates the database at path. The meta store lives in
// path + ".meta".
func Open(path string, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.IsTesting {
		opt.NoSync = true
	}

	db := &DB{
		path:    path,
		opt:     opt,
		context: context.Background(),
		logger:  opt.Logger,
		verbose: opt.Verbose,
		metrics: newMetrics(opt.Registerer),
		views:   make(map[string]*view),
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.open_locked(); err != nil {
		return nil, err
	}
	return db, nil
}

// Load opens or creates the database at path with default options.
func Load(path string) (*DB, error) {
	return Open(path, Options{})
}

func (db *DB) open_locked() error {
	jrnl, err := journal.Open(db.path, db.journalOptions())
	if err != nil {
		return fmt.Errorf("nosql: %w", err)
	}
	meta, err := openMetaStore(db.metaPath(), db.opt)
	if err != nil {
		jrnl.Close()
		return err
	}
	db.jrnl, db.meta = jrnl, meta

	st := jrnl.Stats()
	if st.Corrupt > 0 || st.Truncated > 0 || st.Superseded > 0 {
		db.logger.LogAttrs(db.context, slog.LevelWarn, "nosql: log recovered", slog.String("db", db.path), slog.Int("corrupt", st.Corrupt), slog.Int64("truncated", st.Truncated), slog.Int("superseded", st.Superseded))
		db.metrics.corrupt.Add(float64(st.Corrupt))
	}

	defs, err := meta.loadViews()
	if err == nil {
		err = db.installViews_locked(defs)
	}
	if err != nil {
		db.close_locked()
		return err
	}
	if db.verbose {
		db.logger.LogAttrs(db.context, slog.LevelDebug, "nosql: opened", slog.String("db", db.path), slog.Int("docs", st.Active), slog.Int("views", len(defs)))
	}
	return nil
}

func (db *DB) journalOptions() journal.Options {
	return journal.Options{
		Context: db.context,
		Logger:  db.logger,
		Verbose: db.verbose,
		NoSync:  db.opt.NoSync,
		Now:     db.opt.Now,
		OnSync:  db.metrics.observeFsync,
	}
}

func (db *DB) metaPath() string {
	return db.path + ".meta"
}

func (db *DB) Path() string {
	return db.path
}

// Close releases the log and meta files. Further calls return ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.close_locked()
}

// Release is the same as Close.
func (db *DB) Release() error {
	return db.Close()
}

func (db *DB) close_locked() error {
	var result *multierror.Error
	if db.jrnl != nil {
		if err := db.jrnl.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if db.meta != nil {
		if err := db.meta.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Get returns the meta value stored under key.
func (db *DB) Get(key string) (any, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false
	}
	return db.meta.Get(key)
}

// Set stores a meta value; a nil value deletes the key.
func (db *DB) Set(key string, value any) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return db.meta.Set(key, value)
}

// Meta returns the meta store. The store stays valid across Drop and
// Restore, but not after Close.
func (db *DB) Meta() *MetaStore {
	return db.meta
}

// Refresh rebuilds every view from the log.
func (db *DB) Refresh() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.rebuildViews_locked(slices.Collect(maps.Values(db.views)))
}

// Compact rewrites the log without deleted records and rebuilds the views,
// since every document offset changes.
func (db *DB) Compact() (journal.CompactStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return journal.CompactStats{}, ErrClosed
	}
	st, err := db.jrnl.Compact()
	if err != nil {
		return st, fmt.Errorf("nosql: compact: %w", err)
	}
	db.metrics.compactions.Inc()
	if st.Corrupt > 0 {
		db.metrics.corrupt.Add(float64(st.Corrupt))
	}
	return st, db.rebuildViews_locked(slices.Collect(maps.Values(db.views)))
}

// Drop irreversibly deletes the log, meta entries and view definitions,
// leaving an empty database behind.
func (db *DB) Drop() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	var result *multierror.Error
	if err := db.jrnl.Reset(); err != nil {
		result = multierror.Append(result, fmt.Errorf("log: %w", err))
	}
	if err := db.meta.drop(db.opt); err != nil {
		result = multierror.Append(result, err)
	}
	clear(db.views)
	db.logger.LogAttrs(db.context, slog.LevelInfo, "nosql: dropped", slog.String("db", db.path))
	return result.ErrorOrNil()
}

// write runs f in the exclusive section and then delivers the changes it
// recorded, even if f fails halfway. If another call is already delivering
// (an outer write whose listener is writing, or a concurrent writer), the
// changes are queued and that call delivers them.
func (db *DB) write(f func(w *writer) error) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	w := &writer{db: db}
	err := f(w)

	db.eventsMu.Lock()
	db.pending = append(db.pending, w.changes...)
	deliver := !db.delivering && len(db.pending) > 0
	if deliver {
		db.delivering = true
	}
	db.eventsMu.Unlock()
	db.mu.Unlock()

	if deliver {
		db.deliverPending()
	}
	return err
}

func (db *DB) read(f func() error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	db.ReadCount.Add(1)
	return f()
}

// writer performs log mutations inside the exclusive section, keeping the
// views in sync and recording change events.
type writer struct {
	db      *DB
	changes []*Change
}

func (w *writer) insert(doc Document) (uint64, error) {
	db := w.db
	payload, err := EncodeDocument(doc)
	if err != nil {
		return 0, err
	}
	id, off, err := db.jrnl.Append(0, payload)
	if err != nil {
		return 0, fmt.Errorf("nosql: insert: %w", err)
	}
	for _, v := range db.views {
		v.insert(id, off, doc)
	}
	db.WriteCount.Add(1)
	db.metrics.writes.WithLabelValues(OpInsert.String()).Inc()
	if db.verbose {
		db.logger.LogAttrs(db.context, slog.LevelDebug, "nosql: insert", slog.Uint64("id", id), slog.Int64("off", off), slog.Int("size", len(payload)))
	}
	w.changes = append(w.changes, &Change{Op: OpInsert, ID: id, Document: doc.Clone()})
	return id, nil
}

func (w *writer) rewrite(op Op, m match, doc Document) error {
	db := w.db
	payload, err := EncodeDocument(doc)
	if err != nil {
		return err
	}
	off, err := db.jrnl.Rewrite(m.off, payload)
	if err != nil {
		return fmt.Errorf("nosql: %v %d: %w", op, m.id, err)
	}
	for _, v := range db.views {
		v.update(m.id, off, doc)
	}
	db.WriteCount.Add(1)
	db.metrics.writes.WithLabelValues(op.String()).Inc()
	if db.verbose {
		db.logger.LogAttrs(db.context, slog.LevelDebug, "nosql: "+op.String(), slog.Uint64("id", m.id), slog.Int64("old_off", m.off), slog.Int64("off", off))
	}
	w.changes = append(w.changes, &Change{Op: op, ID: m.id, Document: doc.Clone(), OldDocument: m.doc})
	return nil
}

func (w *writer) remove(m match) error {
	db := w.db
	if err := db.jrnl.MarkDeleted(m.off); err != nil {
		return fmt.Errorf("nosql: remove %d: %w", m.id, err)
	}
	for _, v := range db.views {
		v.remove(m.id)
	}
	db.WriteCount.Add(1)
	db.metrics.writes.WithLabelValues(OpDelete.String()).Inc()
	if db.verbose {
		db.logger.LogAttrs(db.context, slog.LevelDebug, "nosql: delete", slog.Uint64("id", m.id), slog.Int64("off", m.off))
	}
	w.changes = append(w.changes, &Change{Op: OpDelete, ID: m.id, Document: m.doc})
	return nil
}
