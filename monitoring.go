package nosql

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type Stats struct {
	LogSize    int64
	Documents  int
	Deleted    int
	Corrupt    int
	Superseded int
	Truncated  int64
	NextID     uint64

	MetaKeys int
	MetaSize int64

	Views []ViewStats

	Reads  uint64
	Writes uint64
}

type ViewStats struct {
	Name      string
	Documents int
}

// Garbage returns the share of the log occupied by deleted or superseded
// records, judged by record count.
func (s *Stats) Garbage() float64 {
	total := s.Documents + s.Deleted + s.Superseded
	if total == 0 {
		return 0
	}
	return float64(s.Deleted+s.Superseded) / float64(total)
}

func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return Stats{}
	}
	js := db.jrnl.Stats()
	s := Stats{
		LogSize:    js.Size,
		Documents:  js.Active,
		Deleted:    js.Deleted,
		Corrupt:    js.Corrupt,
		Superseded: js.Superseded,
		Truncated:  js.Truncated,
		NextID:     js.NextID,
		MetaKeys:   db.meta.Len(),
		MetaSize:   db.meta.size(),
		Reads:      db.ReadCount.Load(),
		Writes:     db.WriteCount.Load(),
	}
	for name, v := range db.views {
		s.Views = append(s.Views, ViewStats{Name: name, Documents: v.Len()})
	}
	slices.SortFunc(s.Views, func(a, b ViewStats) int {
		return strings.Compare(a.Name, b.Name)
	})
	return s
}

func loggableDoc(doc Document) string {
	if doc == nil {
		return "<none>"
	}
	return loggableValue(map[string]any(doc))
}

func loggableValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
