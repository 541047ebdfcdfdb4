package lifecycle

import (
	"context"
	"errors"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/include"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

func (f *Facade) currentStore() *include.Store {
	f.docMu.RLock()
	defer f.docMu.RUnlock()
	return f.store
}

// CreateInclude stores a new patch in the document. It does not need a
// running bridge.
func (f *Facade) CreateInclude(name string, data []byte) (*include.PatchInclude, error) {
	inc, err := f.currentStore().Create(name, data)
	if err != nil {
		return nil, err
	}
	logger.WithInclude(f.logger, name).WithField(logger.FieldSize, len(data)).Info("Include created")
	return inc, nil
}

// CreateEmptyInclude stores a new empty patch
func (f *Facade) CreateEmptyInclude(name string) (*include.PatchInclude, error) {
	return f.currentStore().CreateEmpty(name)
}

// ImportInclude stores the content of a patch file
func (f *Facade) ImportInclude(name, path string) (*include.PatchInclude, error) {
	return f.currentStore().Import(name, path)
}

// GetInclude returns the named include
func (f *Facade) GetInclude(name string) (*include.PatchInclude, error) {
	return f.currentStore().Get(name)
}

// ListIncludes returns every include of the document
func (f *Facade) ListIncludes() []*include.PatchInclude {
	return f.currentStore().List()
}

// UpdateInclude replaces the bytes of the named include
func (f *Facade) UpdateInclude(name string, data []byte) (*include.PatchInclude, error) {
	store := f.currentStore()
	inc, err := store.Get(name)
	if err != nil {
		return nil, err
	}
	if err := store.Update(inc, data); err != nil {
		return nil, err
	}
	return store.Get(name)
}

// DeleteInclude ends any edit session of the include and removes it
func (f *Facade) DeleteInclude(name string) error {
	if err := f.editor.Close(name); err != nil {
		return err
	}
	return f.currentStore().Delete(name)
}

// EditInclude opens the include in Pure-Data, launching it first when the
// bridge is stopped, and returns the temporary file being edited
func (f *Facade) EditInclude(ctx context.Context, name string) (string, error) {
	if _, err := f.GetInclude(name); err != nil {
		return "", err
	}

	if f.State() == types.StateStopped {
		if err := f.Launch(ctx); err != nil && !errors.Is(err, pkgerrors.ErrAlreadyRunning) {
			return "", err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()
	if err := f.WaitForState(waitCtx, types.StateConnected); err != nil {
		return "", pkgerrors.Connection(err, "Pure-Data did not connect")
	}

	return f.editor.Open(ctx, name)
}

// EditSessions returns the names of includes open in Pure-Data
func (f *Facade) EditSessions() []string {
	return f.editor.OpenNames()
}

// SaveDocument stores the document. Includes open in Pure-Data are saved
// by Pure-Data first so that the document holds their latest content.
func (f *Facade) SaveDocument(ctx context.Context) error {
	f.docMu.RLock()
	store, persister := f.store, f.persister
	f.docMu.RUnlock()

	if persister == nil {
		return pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "no document persister configured")
	}

	if f.State() == types.StateConnected {
		if err := f.editor.Sync(ctx); err != nil {
			return err
		}
	}

	if err := store.Save(ctx, persister); err != nil {
		logger.WithError(f.logger, err).Error("Failed to save document")
		return err
	}

	f.logger.WithFields(map[string]interface{}{
		"document": store.Name(),
		"includes": len(store.List()),
	}).Info("Document saved")
	return nil
}

// LoadDocument replaces the current document with the named one. Open edit
// sessions are closed.
func (f *Facade) LoadDocument(ctx context.Context, name string) error {
	f.docMu.Lock()
	defer f.docMu.Unlock()

	if f.persister == nil {
		return pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "no document persister configured")
	}

	store, err := include.Load(ctx, f.persister, name)
	if err != nil {
		return err
	}
	f.store = store
	f.editor.SetStore(store)

	f.logger.WithFields(map[string]interface{}{
		"document": name,
		"includes": len(store.List()),
	}).Info("Document loaded")
	return nil
}

// DocumentName returns the name of the current document
func (f *Facade) DocumentName() string {
	return f.currentStore().Name()
}
