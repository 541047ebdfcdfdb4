package include

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
)

func persisters(t *testing.T) map[string]Persister {
	t.Helper()
	dir := t.TempDir()

	y, err := NewYAMLFile(filepath.Join(dir, "yaml"))
	require.NoError(t, err)

	sq, err := NewSQLite(context.Background(), filepath.Join(dir, "documents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Persister{"yaml": y, "sqlite": sq}
}

func TestSaveReloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for driver, p := range persisters(t) {
		t.Run(driver, func(t *testing.T) {
			s := NewStore("My Part")
			handles := make(map[string]*PatchInclude)
			for name, data := range samplePatches {
				inc, err := s.Create(name, data)
				require.NoError(t, err)
				handles[name] = inc
			}
			require.NoError(t, s.Save(ctx, p))

			reloaded, err := Load(ctx, p, "My Part")
			require.NoError(t, err)
			assert.Equal(t, "My Part", reloaded.Name())
			require.Len(t, reloaded.List(), len(samplePatches))

			for name, data := range samplePatches {
				inc, err := reloaded.Get(name)
				require.NoError(t, err)
				assert.Equal(t, handles[name].ID, inc.ID)
				assert.Equal(t, handles[name].Digest, inc.Digest)

				// handles from before the reload stay valid
				got, err := reloaded.Read(handles[name])
				require.NoError(t, err)
				assert.Equal(t, data, got, name)
			}
		})
	}
}

func TestSaveReplacesPreviousContent(t *testing.T) {
	ctx := context.Background()
	for driver, p := range persisters(t) {
		t.Run(driver, func(t *testing.T) {
			s := NewStore("Part")
			_, err := s.Create("a", []byte("a"))
			require.NoError(t, err)
			_, err = s.Create("b", []byte("b"))
			require.NoError(t, err)
			require.NoError(t, s.Save(ctx, p))

			require.NoError(t, s.Delete("a"))
			b, err := s.Get("b")
			require.NoError(t, err)
			require.NoError(t, s.Update(b, []byte("b2")))
			require.NoError(t, s.Save(ctx, p))

			reloaded, err := Load(ctx, p, "Part")
			require.NoError(t, err)
			require.Len(t, reloaded.List(), 1)
			got, err := reloaded.Get("b")
			require.NoError(t, err)
			assert.Equal(t, []byte("b2"), got.Data)
		})
	}
}

func TestLoadUnknownDocumentIsEmpty(t *testing.T) {
	for driver, p := range persisters(t) {
		t.Run(driver, func(t *testing.T) {
			s, err := Load(context.Background(), p, "never saved")
			require.NoError(t, err)
			assert.Empty(t, s.List())
			assert.Equal(t, "never saved", s.Name())
		})
	}
}

func TestSimilarDocumentNamesStaySeparate(t *testing.T) {
	ctx := context.Background()
	for driver, p := range persisters(t) {
		t.Run(driver, func(t *testing.T) {
			spaced := NewStore("Part A")
			_, err := spaced.Create("x", []byte("x"))
			require.NoError(t, err)
			require.NoError(t, spaced.Save(ctx, p))

			underscored := NewStore("Part_A")
			_, err = underscored.Create("y", []byte("y"))
			require.NoError(t, err)
			require.NoError(t, underscored.Save(ctx, p))

			reloaded, err := Load(ctx, p, "Part A")
			require.NoError(t, err)
			assert.Equal(t, "Part A", reloaded.Name())
			got, err := reloaded.Get("x")
			require.NoError(t, err)
			assert.Equal(t, []byte("x"), got.Data)
			_, err = reloaded.Get("y")
			assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

			reloaded, err = Load(ctx, p, "Part_A")
			require.NoError(t, err)
			assert.Equal(t, "Part_A", reloaded.Name())
			require.Len(t, reloaded.List(), 1)
			assert.Equal(t, "y", reloaded.List()[0].Name)
		})
	}
}

func TestYAMLLoadRejectsForeignDocument(t *testing.T) {
	ctx := context.Background()
	y, err := NewYAMLFile(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, NewStore("Other").Save(ctx, y))
	require.NoError(t, os.Rename(y.path("Other"), y.path("Part")))

	_, err = y.Load(ctx, "Part")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document file holds Other")
}
