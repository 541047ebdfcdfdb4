package include

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/fudi"
	"github.com/socialgouv/fcpd-server/pkg/hash"
	"github.com/socialgouv/fcpd-server/pkg/logger"
)

const defaultSaveSettle = 500 * time.Millisecond

// Sender delivers messages to the live Pure-Data instance
type Sender interface {
	Send(values ...interface{}) error
}

// EditorOption is a function that configures an Editor
type EditorOption func(*Editor)

// WithSaveSettle sets how long Sync waits for Pure-Data to write its files
func WithSaveSettle(d time.Duration) EditorOption {
	return func(e *Editor) {
		e.saveSettle = d
	}
}

// Editor opens stored includes in Pure-Data through temporary files and
// stores every change Pure-Data writes back into the Store
type Editor struct {
	mu       sync.Mutex
	sessions map[string]*editSession
	byFile   map[string]string

	store      *Store
	sender     Sender
	dir        string
	saveSettle time.Duration
	logger     logger.Logger
}

type editSession struct {
	name     string
	id       string
	filename string
	path     string
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}

	mu         sync.Mutex
	lastDigest string
}

// NewEditor creates an editor placing temporary patches in dir
func NewEditor(store *Store, sender Sender, dir string, log logger.Logger, opts ...EditorOption) *Editor {
	e := &Editor{
		sessions:   make(map[string]*editSession),
		byFile:     make(map[string]string),
		store:      store,
		sender:     sender,
		dir:        dir,
		saveSettle: defaultSaveSettle,
		logger:     logger.WithComponent(log, "editor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetStore switches the editor to another document. Open sessions are closed.
func (e *Editor) SetStore(store *Store) {
	e.CloseAll()
	e.mu.Lock()
	e.store = store
	e.mu.Unlock()
}

// Open writes the include to a temporary file, asks Pure-Data to open it
// and starts watching it. Opening an include twice returns the same file.
func (e *Editor) Open(ctx context.Context, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sess, ok := e.sessions[name]; ok {
		return sess.path, nil
	}

	inc, err := e.store.Get(name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", pkgerrors.WrapWithField(err, "path", e.dir, "failed to create edit directory")
	}

	filename := hash.TempFilename(name, inc.Data, ".pd")
	path := filepath.Join(e.dir, filename)
	data := WithCloseDetection(inc.Data, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", pkgerrors.WrapWithField(err, "path", path, "failed to write temporary patch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = os.Remove(path)
		return "", pkgerrors.Wrap(err, "failed to create file watcher")
	}
	// the directory is watched so that files replaced by rename are seen too
	if err := watcher.Add(e.dir); err != nil {
		_ = watcher.Close()
		_ = os.Remove(path)
		return "", pkgerrors.WrapWithField(err, "path", e.dir, "failed to watch edit directory")
	}

	if err := e.sender.Send("0", "pd", "open", filename, e.dir); err != nil {
		_ = watcher.Close()
		_ = os.Remove(path)
		return "", err
	}

	sess := &editSession{
		name:       name,
		id:         inc.ID,
		filename:   filename,
		path:       path,
		watcher:    watcher,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		lastDigest: hash.Digest(data),
	}
	e.sessions[name] = sess
	e.byFile[filename] = name

	go e.watch(sess)

	logger.WithInclude(e.logger, name).WithField("path", path).Info("Include opened in Pure-Data")
	return path, nil
}

func (e *Editor) watch(sess *editSession) {
	defer close(sess.stopped)
	log := logger.WithInclude(e.logger, sess.name)

	for {
		select {
		case <-sess.done:
			return
		case event, ok := <-sess.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != sess.filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			e.storeBack(sess)
		case err, ok := <-sess.watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(log, err).Warn("File watcher error")
		}
	}
}

// storeBack copies the temporary file into the store when its content changed
func (e *Editor) storeBack(sess *editSession) {
	log := logger.WithInclude(e.logger, sess.name)

	data, err := os.ReadFile(sess.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("Temporary patch deleted")
			return
		}
		logger.WithError(log, err).Warn("Failed to read temporary patch")
		return
	}

	digest := hash.Digest(data)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if digest == sess.lastDigest {
		return
	}

	e.mu.Lock()
	store := e.store
	e.mu.Unlock()

	if err := store.Update(&PatchInclude{ID: sess.id, Name: sess.name}, data); err != nil {
		logger.WithError(log, err).Warn("Failed to store edited patch")
		return
	}
	sess.lastDigest = digest
	log.WithFields(map[string]interface{}{
		logger.FieldDigest: hash.Short(digest),
		logger.FieldSize:   len(data),
	}).Info("Edited patch stored")
}

// Sync asks Pure-Data to save every open include, waits for the files to
// settle and stores them
func (e *Editor) Sync(ctx context.Context) error {
	e.mu.Lock()
	sessions := make([]*editSession, 0, len(e.sessions))
	for _, sess := range e.sessions {
		sessions = append(sessions, sess)
	}
	e.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}

	for _, sess := range sessions {
		if err := e.sender.Send("0", "pd-"+sess.filename, "menusave"); err != nil {
			logger.WithError(logger.WithInclude(e.logger, sess.name), err).Warn("Failed to ask Pure-Data to save")
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.saveSettle):
	}

	for _, sess := range sessions {
		e.storeBack(sess)
	}
	return nil
}

// Close ends the edit session of the named include and removes its
// temporary files. Closing an include that is not open is a no-op.
func (e *Editor) Close(name string) error {
	e.mu.Lock()
	sess, ok := e.sessions[name]
	if ok {
		delete(e.sessions, name)
		delete(e.byFile, sess.filename)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}

	close(sess.done)
	err := sess.watcher.Close()
	<-sess.stopped

	for _, path := range []string{sess.path, sess.path + "_"} {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.WithError(e.logger, rmErr).Warn("Failed to remove temporary patch")
		}
	}

	logger.WithInclude(e.logger, name).Info("Include edit session closed")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to close file watcher")
	}
	return nil
}

// CloseFile ends the edit session whose temporary file is filename
func (e *Editor) CloseFile(filename string) error {
	e.mu.Lock()
	name, ok := e.byFile[filepath.Base(filename)]
	e.mu.Unlock()
	if !ok {
		return pkgerrors.NotFound(filename)
	}
	return e.Close(name)
}

// CloseAll ends every edit session
func (e *Editor) CloseAll() {
	for _, name := range e.OpenNames() {
		_ = e.Close(name)
	}
}

// OpenNames returns the names of the includes being edited
func (e *Editor) OpenNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.sessions))
	for name := range e.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleEndEdit answers the "endedit <file>" message the close detection
// object sends when Pure-Data closes an include
func (e *Editor) HandleEndEdit(_ context.Context, msg fudi.Message) (interface{}, error) {
	args := msg.Args()
	if len(args) == 0 {
		return nil, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "endedit needs a file name")
	}
	if err := e.CloseFile(args[0]); err != nil {
		return nil, err
	}
	return nil, nil
}
