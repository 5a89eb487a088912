package checkpoint

import (
	"github.com/vk/confunnel/internal/entity"
)

// Set is the authoritative collection of entity records, keyed by id.
type Set struct {
	records map[string]*entity.Entity
}

// NewSet builds a set from the given entities. Later duplicates are ignored.
func NewSet(entities ...*entity.Entity) *Set {
	s := &Set{records: make(map[string]*entity.Entity, len(entities))}
	for _, e := range entities {
		s.Add(e)
	}
	return s
}

// Add inserts e unless a record with the same id already exists.
// It reports whether the record was added.
func (s *Set) Add(e *entity.Entity) bool {
	if _, ok := s.records[e.ID]; ok {
		return false
	}
	s.records[e.ID] = e
	return true
}

func (s *Set) Get(id string) (*entity.Entity, bool) {
	e, ok := s.records[id]
	return e, ok
}

func (s *Set) Len() int {
	return len(s.records)
}

// Entities returns every record sorted by id.
func (s *Set) Entities() []*entity.Entity {
	out := make([]*entity.Entity, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e)
	}
	entity.SortByID(out)
	return out
}
