package compositor

// SourceKind distinguishes selectable capture targets.
type SourceKind uint32

const (
	KindMonitor SourceKind = 1
	KindWindow  SourceKind = 2
	KindVirtual SourceKind = 4
)

func (k SourceKind) String() string {
	switch k {
	case KindMonitor:
		return "monitor"
	case KindWindow:
		return "window"
	case KindVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// Source is a selectable capture target. ID is opaque and only meaningful
// within the Snapshot that produced it. Name is the compositor-stable name
// (output connector or window identifier) used when a grant is remembered.
type Source struct {
	ID     string
	Name   string
	Label  string
	Kind   SourceKind
	X      int32
	Y      int32
	Width  int32
	Height int32
}

// Snapshot is the result of one enumeration. Ordering is stable within the
// snapshot and carries no meaning across snapshots.
type Snapshot struct {
	sources []Source
	byID    map[string]Source
	byName  map[string]Source
}

// NewSnapshot indexes an enumeration result.
func NewSnapshot(sources []Source) *Snapshot {
	s := &Snapshot{
		sources: sources,
		byID:    make(map[string]Source, len(sources)),
		byName:  make(map[string]Source, len(sources)),
	}
	for _, src := range sources {
		s.byID[src.ID] = src
		s.byName[nameKey(src.Kind, src.Name)] = src
	}
	return s
}

func nameKey(kind SourceKind, name string) string {
	return kind.String() + "/" + name
}

// Sources returns all targets in this snapshot, in enumeration order.
func (s *Snapshot) Sources() []Source {
	return s.sources
}

// Resolve maps an identifier back to its target within this snapshot.
func (s *Snapshot) Resolve(id string) (Source, error) {
	src, ok := s.byID[id]
	if !ok {
		return Source{}, &NotFoundError{ID: id}
	}
	return src, nil
}

// ResolveName maps a compositor-stable name back to a live target, used when
// restoring a remembered selection against a fresh enumeration.
func (s *Snapshot) ResolveName(kind SourceKind, name string) (Source, bool) {
	src, ok := s.byName[nameKey(kind, name)]
	return src, ok
}
