package lexicon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const turkeyPack = `
entities:
  - value: turkey
    patterns: ['\bturkeys?\b']
`

const duckPack = `
entities:
  - value: duck
    patterns: ['\bducks?\b']
`

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	// Given: a watcher over a pack file
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(turkeyPack), 0o644))

	reloaded := make(chan *Pack, 1)
	w, err := NewWatcher(path,
		WithDebounce(10*time.Millisecond),
		WithOnReload(func(p *Pack) { reloaded <- p }))
	require.NoError(t, err)
	assert.Equal(t, "turkey", FirstMatch(w.Pack().Entities, "turkeys"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	// When: the file is rewritten
	require.NoError(t, os.WriteFile(path, []byte(duckPack), 0o644))

	// Then: the new pack becomes current
	select {
	case p := <-reloaded:
		assert.Equal(t, "duck", FirstMatch(p.Entities, "ducks"))
		assert.Same(t, p, w.Pack())
	case <-time.After(5 * time.Second):
		t.Fatal("pack was not reloaded")
	}
	require.NoError(t, w.Stop())
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(turkeyPack), 0o644))

	w, err := NewWatcher(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	before := w.Pack()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("entities: [broken"), 0o644))
	time.Sleep(200 * time.Millisecond)

	assert.Same(t, before, w.Pack())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop(), "stop is idempotent")
}

func TestNewWatcher_InvalidInitialPack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	_, err := NewWatcher(path)

	assert.Error(t, err)
}
