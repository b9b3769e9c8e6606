package nosql

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeader = DumpFlags(1 << iota)
	DumpStats
	DumpRecords
	DumpDeleted
	DumpMeta
	DumpViews
	DumpViewEntries

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump returns a human-readable listing of the database contents, intended
// for tests and debugging.
func (db *DB) Dump(f DumpFlags) string {
	var buf strings.Builder
	err := db.read(func() error {
		return db.dump_locked(&buf, f)
	})
	if err != nil {
		fmt.Fprintf(&buf, "** ERROR: %v\n", err)
	}
	return buf.String()
}

func (db *DB) dump_locked(w *strings.Builder, f DumpFlags) error {
	js := db.jrnl.Stats()
	if f.Contains(DumpHeader) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d docs)\n", db.path, js.Active)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "stats: size = %d, deleted = %d, corrupt = %d, superseded = %d, next_id = %d\n", js.Size, js.Deleted, js.Corrupt, js.Superseded, js.NextID)
	}

	if f.Contains(DumpRecords) {
		fmt.Fprintln(w, dumpSep2)
		seq := db.jrnl.Scan()
		if f.Contains(DumpDeleted) {
			seq = db.jrnl.ScanAll()
		}
		for rec, err := range seq {
			if err != nil {
				fmt.Fprintf(w, "@%d ** ERROR: %v\n", rec.Offset, err)
				continue
			}
			var status string
			if rec.Deleted() {
				status = " DELETED"
			}
			doc, err := DecodeDocument(rec.Payload)
			if err != nil {
				fmt.Fprintf(w, "%d @%d%s ** ERROR: %v\n", rec.ID, rec.Offset, status, err)
				continue
			}
			fmt.Fprintf(w, "%d @%d%s = %s\n", rec.ID, rec.Offset, status, loggableDoc(doc))
		}
	}

	if f.Contains(DumpMeta) {
		fmt.Fprintln(w, dumpSep2)
		for _, k := range db.meta.Keys() {
			v, _ := db.meta.Get(k)
			fmt.Fprintf(w, "meta.%s = %s\n", k, loggableValue(v))
		}
	}

	if f.Contains(DumpViews) {
		for _, def := range db.viewDefs_locked() {
			v := db.views[def.Name]
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "%s (%d docs)\n", rpad("view "+def.String(), 40, ' '), v.Len())
			if f.Contains(DumpViewEntries) {
				for i, e := range v.entries {
					if def.SortField != "" {
						fmt.Fprintf(w, "%s.%d: %d @%d key=%v\n", def.Name, i+1, e.id, e.off, e.key)
					} else {
						fmt.Fprintf(w, "%s.%d: %d @%d\n", def.Name, i+1, e.id, e.off)
					}
				}
			}
		}
	}
	return nil
}
