package nosql

import (
	"fmt"
	"log/slog"
)

type (
	// Change describes a committed write. Document is the stored document
	// after the write (the removed document for OpDelete); OldDocument is
	// set for updates and modifications.
	Change struct {
		Op          Op
		ID          uint64
		Document    Document
		OldDocument Document
	}

	Op int
)

const (
	OpNone   Op = 0
	OpInsert Op = 1
	OpUpdate Op = 2
	OpModify Op = 3
	OpDelete Op = 4
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

type listener struct {
	id uint64
	fn func(chg *Change)
}

// Subscribe registers fn to be called for every committed write. Listeners
// run synchronously in commit order, after the write has been applied to the
// log and all views and the exclusive section has been released. A listener
// may query the database and may write to it; changes made by a listener are
// delivered after the current change has reached every listener.
func (db *DB) Subscribe(fn func(chg *Change)) (cancel func()) {
	db.listenersMu.Lock()
	defer db.listenersMu.Unlock()
	db.lastListenerID++
	id := db.lastListenerID
	db.listeners = append(db.listeners, listener{id, fn})
	return func() {
		db.listenersMu.Lock()
		defer db.listenersMu.Unlock()
		for i, l := range db.listeners {
			if l.id == id {
				db.listeners = append(db.listeners[:i:i], db.listeners[i+1:]...)
				return
			}
		}
	}
}

// deliverPending drains the change queue, including changes committed while
// it runs.
func (db *DB) deliverPending() {
	for {
		db.eventsMu.Lock()
		changes := db.pending
		db.pending = nil
		if len(changes) == 0 {
			db.delivering = false
			db.eventsMu.Unlock()
			return
		}
		db.eventsMu.Unlock()
		db.notify(changes)
	}
}

func (db *DB) notify(changes []*Change) {
	db.listenersMu.Lock()
	ls := db.listeners
	db.listenersMu.Unlock()

	for _, chg := range changes {
		db.metrics.events.WithLabelValues(chg.Op.String()).Inc()
		for _, l := range ls {
			db.deliver(l, chg)
		}
	}
}

func (db *DB) deliver(l listener, chg *Change) {
	defer func() {
		if e := recover(); e != nil {
			db.logger.LogAttrs(db.context, slog.LevelError, "nosql: listener panicked", slog.String("op", chg.Op.String()), slog.Uint64("id", chg.ID), slog.Any("panic", e))
		}
	}()
	l.fn(chg)
}
