package lifecycle

import (
	"time"

	"github.com/socialgouv/fcpd-server/pkg/include"
)

// Option is a function that configures a Facade
type Option func(*Facade)

// WithPersister sets where SaveDocument and LoadDocument read and write
func WithPersister(p include.Persister) Option {
	return func(f *Facade) {
		f.persister = p
	}
}

// WithEditDir sets the directory of include edit sessions
func WithEditDir(dir string) Option {
	return func(f *Facade) {
		f.editDir = dir
	}
}

// WithConnectTimeout bounds how long EditInclude waits for Pure-Data to dial in
func WithConnectTimeout(timeout time.Duration) Option {
	return func(f *Facade) {
		f.connectTimeout = timeout
	}
}

// WithEditorOptions passes options to the include editor
func WithEditorOptions(opts ...include.EditorOption) Option {
	return func(f *Facade) {
		f.editorOpts = append(f.editorOpts, opts...)
	}
}
