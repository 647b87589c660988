package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grainhouse/grainhouse/internal/sources"
	"github.com/grainhouse/grainhouse/internal/store"
)

// TempSource creates a sample-library root under t.TempDir with a fresh
// source id and the given relative sample files, and opens its job store.
// The store is closed automatically when the test ends.
func TempSource(t *testing.T, sampleFiles ...string) (sources.Source, *store.Store) {
	t.Helper()

	root := SampleRoot(t, sampleFiles...)
	src := sources.Source{ID: sources.NewSourceID(), Root: root}
	st, err := store.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return src, st
}

// SampleRoot creates a sample-library directory under t.TempDir containing
// the given relative sample files.
func SampleRoot(t *testing.T, sampleFiles ...string) string {
	t.Helper()

	root := t.TempDir()
	for _, rel := range sampleFiles {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	}
	return root
}

// SeedJobs enqueues one analyze_sample job per relative path, spacing
// created_at by a second so claim order is deterministic.
func SeedJobs(t *testing.T, st *store.Store, src sources.Source, relativePaths ...string) {
	t.Helper()

	base := time.Now().Add(-time.Duration(len(relativePaths)) * time.Second)
	for i, rel := range relativePaths {
		refs := []store.SampleRef{{
			SourceID:     src.ID,
			RelativePath: rel,
		}}
		n, err := st.Enqueue(context.Background(), refs, store.JobTypeAnalyzeSample, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
}

// TempRegistry creates a registry file under t.TempDir and registers the
// given roots, returning the registry and the sources it assigned.
func TempRegistry(t *testing.T, roots ...string) (*sources.Registry, []sources.Source) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sources.json")
	reg, err := sources.LoadRegistry(path)
	require.NoError(t, err)

	added := make([]sources.Source, 0, len(roots))
	for _, root := range roots {
		src, err := reg.Add(root)
		require.NoError(t, err)
		added = append(added, src)
	}
	return reg, added
}
