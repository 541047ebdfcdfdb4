// Package include keeps the Pure-Data patches embedded in a host document.
// The stored bytes are the only durable copy of a patch; a live Pure-Data
// instance only ever edits a disposable temporary file.
package include

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/hash"
)

// EmptyPatch is the content of a newly created, empty include
const EmptyPatch = "#N canvas 200 200 450 300 12;\n"

// PatchInclude is a patch stored in a document
type PatchInclude struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data []byte `json:"data"`
	// SourcePath is the file the patch was imported from, if any. It is
	// never read again after the import.
	SourcePath string    `json:"sourcePath,omitempty"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Document is the persisted form of a store
type Document struct {
	Name     string         `json:"name"`
	Includes []PatchInclude `json:"includes"`
}

// Store holds the includes of one document. Names are unique within it.
type Store struct {
	mu       sync.RWMutex
	name     string
	includes map[string]*PatchInclude
	clock    clock.PassiveClock
}

// NewStore creates an empty store for the named document
func NewStore(document string) *Store {
	return &Store{
		name:     document,
		includes: make(map[string]*PatchInclude),
		clock:    clock.RealClock{},
	}
}

// NewStoreWithClock creates an empty store stamping entities with c
func NewStoreWithClock(document string, c clock.PassiveClock) *Store {
	s := NewStore(document)
	s.clock = c
	return s
}

// Name returns the document name
func (s *Store) Name() string {
	return s.name
}

// Create stores data under a new name. An existing include with the same
// name is left untouched and DuplicateNameError is returned.
func (s *Store) Create(name string, data []byte) (*PatchInclude, error) {
	return s.create(name, data, "")
}

// CreateEmpty creates an include holding an empty patch
func (s *Store) CreateEmpty(name string) (*PatchInclude, error) {
	return s.create(name, []byte(EmptyPatch), "")
}

// Import reads path once and stores its content under name
func (s *Store) Import(name, path string) (*PatchInclude, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.WrapWithField(err, "path", path, "failed to import patch")
	}
	return s.create(name, data, path)
}

func (s *Store) create(name string, data []byte, sourcePath string) (*PatchInclude, error) {
	if name == "" {
		return nil, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "include name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.includes[name]; exists {
		return nil, pkgerrors.DuplicateName(name)
	}

	now := s.clock.Now()
	inc := &PatchInclude{
		ID:         uuid.New().String(),
		Name:       name,
		Data:       clone(data),
		SourcePath: sourcePath,
		Digest:     hash.Digest(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.includes[name] = inc

	return inc.copy(), nil
}

// Read returns the last stored bytes of inc
func (s *Store) Read(inc *PatchInclude) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, err := s.lookupLocked(inc)
	if err != nil {
		return nil, err
	}
	return clone(stored.Data), nil
}

// Update replaces the bytes of inc. Patch syntax is not checked.
func (s *Store) Update(inc *PatchInclude, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.lookupLocked(inc)
	if err != nil {
		return err
	}
	stored.Data = clone(data)
	stored.Digest = hash.Digest(data)
	stored.UpdatedAt = s.clock.Now()
	return nil
}

// Get returns the include called name
func (s *Store) Get(name string) (*PatchInclude, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.includes[name]
	if !ok {
		return nil, pkgerrors.NotFound(name)
	}
	return inc.copy(), nil
}

// List returns all includes sorted by name
func (s *Store) List() []*PatchInclude {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PatchInclude, 0, len(s.includes))
	for _, inc := range s.includes {
		out = append(out, inc.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes the include called name
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.includes[name]; !ok {
		return pkgerrors.NotFound(name)
	}
	delete(s.includes, name)
	return nil
}

// Snapshot returns the persisted form of the store
func (s *Store) Snapshot() *Document {
	doc := &Document{Name: s.name}
	for _, inc := range s.List() {
		doc.Includes = append(doc.Includes, *inc)
	}
	return doc
}

// Restore builds a store from a persisted document
func Restore(doc *Document) (*Store, error) {
	s := NewStore(doc.Name)
	for i := range doc.Includes {
		inc := doc.Includes[i].copy()
		if _, exists := s.includes[inc.Name]; exists {
			return nil, pkgerrors.DuplicateName(inc.Name)
		}
		if inc.Digest == "" {
			inc.Digest = hash.Digest(inc.Data)
		}
		s.includes[inc.Name] = inc
	}
	return s, nil
}

// lookupLocked finds the stored entity behind a handle. A handle for a
// deleted include, or for another include that reused its name, is not found.
func (s *Store) lookupLocked(inc *PatchInclude) (*PatchInclude, error) {
	if inc == nil {
		return nil, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "include is nil")
	}
	stored, ok := s.includes[inc.Name]
	if !ok || (inc.ID != "" && stored.ID != inc.ID) {
		return nil, pkgerrors.NotFound(inc.Name)
	}
	return stored, nil
}

func (p *PatchInclude) copy() *PatchInclude {
	c := *p
	c.Data = clone(p.Data)
	return &c
}

// clone keeps the distinction between nil and empty out of the store:
// every stored patch is a non-nil slice
func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
