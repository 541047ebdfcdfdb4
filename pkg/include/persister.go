package include

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"

	"sigs.k8s.io/yaml"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/hash"
)

// Persister saves and loads whole documents
type Persister interface {
	Save(ctx context.Context, doc *Document) error
	Load(ctx context.Context, name string) (*Document, error)
	Close() error
}

// Save writes the store through p
func (s *Store) Save(ctx context.Context, p Persister) error {
	return p.Save(ctx, s.Snapshot())
}

// Load reads the named document through p. A document that was never saved
// yields an empty store.
func Load(ctx context.Context, p Persister, name string) (*Store, error) {
	doc, err := p.Load(ctx, name)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return NewStore(name), nil
	}
	if err != nil {
		return nil, err
	}
	return Restore(doc)
}

// YAMLFile stores each document as one YAML file in a directory. Patch
// bytes are base64 encoded, so they round-trip exactly.
type YAMLFile struct {
	dir string
}

// NewYAMLFile creates a persister writing into dir
func NewYAMLFile(dir string) (*YAMLFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.WrapWithField(err, "path", dir, "failed to create store directory")
	}
	return &YAMLFile{dir: dir}, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// path keeps a readable prefix of the document name and disambiguates it
// with the name's digest, so distinct names never share a file
func (y *YAMLFile) path(name string) string {
	prefix := unsafeFilename.ReplaceAllString(name, "_")
	return filepath.Join(y.dir, prefix+"-"+hash.Digest([]byte(name))[:16]+".yaml")
}

// Save replaces the document file atomically
func (y *YAMLFile) Save(_ context.Context, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode document")
	}

	target := y.path(doc.Name)
	tmp, err := os.CreateTemp(y.dir, ".save-*")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrap(err, "failed to write document")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrap(err, "failed to write document")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return pkgerrors.WrapWithField(err, "path", target, "failed to replace document")
	}
	return nil
}

// Load reads the document file
func (y *YAMLFile) Load(_ context.Context, name string) (*Document, error) {
	data, err := os.ReadFile(y.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, pkgerrors.NotFound(name)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read document")
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, pkgerrors.WrapWithField(err, "path", y.path(name), "failed to decode document")
	}
	if doc.Name != name {
		return nil, pkgerrors.WrapWithField(
			pkgerrors.NewWithCode(pkgerrors.ErrorCodeInternalError, "document file holds "+doc.Name),
			"path", y.path(name), "failed to load document "+name)
	}
	return &doc, nil
}

// Close is a no-op
func (y *YAMLFile) Close() error {
	return nil
}
