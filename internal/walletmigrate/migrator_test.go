package walletmigrate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ledgerlabs/walletcompat/internal/logging"
	"github.com/ledgerlabs/walletcompat/internal/noderpc"
	"github.com/ledgerlabs/walletcompat/internal/walletmigrate"
	"github.com/stretchr/testify/require"
)

// fakeLoader records load/unload calls. Unloading an unknown wallet returns
// the node's "not loaded" error, like a real node would on the second fan-out
// leg.
type fakeLoader struct {
	loaded  map[string]bool
	unloads []string
	loads   []string
}

func newFakeLoader(loadedWallets ...string) *fakeLoader {
	loaded := map[string]bool{}
	for _, w := range loadedWallets {
		loaded[w] = true
	}
	return &fakeLoader{loaded: loaded}
}

func (f *fakeLoader) UnloadWallet(ctx context.Context, name string) error {
	f.unloads = append(f.unloads, name)
	if !f.loaded[name] {
		return &noderpc.Error{Code: -18, Message: "Requested wallet does not exist or is not loaded"}
	}
	f.loaded[name] = false
	return nil
}

func (f *fakeLoader) LoadWallet(ctx context.Context, name string) error {
	f.loads = append(f.loads, name)
	f.loaded[name] = true
	return nil
}

func writeWallet(t *testing.T, walletsDir, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(walletsDir, name)
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readWallet(t *testing.T, walletsDir, name string) map[string]string {
	t.Helper()
	dir := filepath.Join(walletsDir, name)
	files := map[string]string{}
	require.NoError(t, filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		require.NoError(t, err)
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		files[rel] = string(content)
		return nil
	}))
	return files
}

var walletFiles = map[string]string{
	"wallet.dat":             "wallet-payload",
	"database/log.000000001": "berkeley-log",
}

func TestMigrate_UnloadCopyLoadSequence(t *testing.T) {
	t.Parallel()

	sourceDir, targetDir := t.TempDir(), t.TempDir()
	writeWallet(t, sourceDir, "w1", walletFiles)
	sourceRPC := newFakeLoader("w1")
	targetRPC := newFakeLoader()

	m := walletmigrate.New(logging.NewTestLogger(t, false))
	err := m.Migrate(t.Context(),
		walletmigrate.Endpoint{Name: "node-current", RPC: sourceRPC, WalletsDir: sourceDir},
		[]string{"w1"},
		walletmigrate.Endpoint{Name: "node-v0.17.1", RPC: targetRPC, WalletsDir: targetDir},
		walletmigrate.Options{LoadOnTarget: true},
	)
	require.NoError(t, err)

	require.Equal(t, []string{"w1"}, sourceRPC.unloads)
	require.Empty(t, sourceRPC.loads)
	require.Equal(t, []string{"w1"}, targetRPC.loads)
	require.Equal(t, walletFiles, readWallet(t, targetDir, "w1"))

	// No staging leftovers.
	entries, err := os.ReadDir(targetDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "w1", entries[0].Name())
}

func TestMigrate_FanOutSecondTargetAlreadyUnloaded(t *testing.T) {
	t.Parallel()

	sourceDir, targetDirA, targetDirB := t.TempDir(), t.TempDir(), t.TempDir()
	writeWallet(t, sourceDir, "w1", walletFiles)
	sourceRPC := newFakeLoader("w1")

	m := walletmigrate.New(logging.NewTestLogger(t, false))
	source := walletmigrate.Endpoint{Name: "source", RPC: sourceRPC, WalletsDir: sourceDir}

	err := m.Migrate(t.Context(), source, []string{"w1"},
		walletmigrate.Endpoint{Name: "a", RPC: newFakeLoader(), WalletsDir: targetDirA}, walletmigrate.Options{})
	require.NoError(t, err)

	// Second leg: wallet already unloaded on source; must not fail.
	err = m.Migrate(t.Context(), source, []string{"w1"},
		walletmigrate.Endpoint{Name: "b", RPC: newFakeLoader(), WalletsDir: targetDirB}, walletmigrate.Options{})
	require.NoError(t, err)

	require.Equal(t, walletFiles, readWallet(t, targetDirA, "w1"))
	require.Equal(t, walletFiles, readWallet(t, targetDirB, "w1"))
}

func TestMigrate_DestinationAdditive(t *testing.T) {
	t.Parallel()

	sourceDir, targetDir := t.TempDir(), t.TempDir()
	writeWallet(t, sourceDir, "w1", walletFiles)

	m := walletmigrate.New(logging.NewTestLogger(t, false))
	source := walletmigrate.Endpoint{Name: "source", RPC: newFakeLoader("w1"), WalletsDir: sourceDir}
	target := walletmigrate.Endpoint{Name: "target", RPC: newFakeLoader(), WalletsDir: targetDir}

	// Identical content already present: no-op.
	writeWallet(t, targetDir, "w1", walletFiles)
	require.NoError(t, m.Migrate(t.Context(), source, []string{"w1"}, target, walletmigrate.Options{}))

	// Different content present: refuse to overwrite.
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "w1", "wallet.dat"), []byte("other"), 0o644))
	err := m.Migrate(t.Context(), source, []string{"w1"}, target, walletmigrate.Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "different content")

	// The diverged target wallet was not touched.
	content, err := os.ReadFile(filepath.Join(targetDir, "w1", "wallet.dat"))
	require.NoError(t, err)
	require.Equal(t, "other", string(content))
}

func TestMigrate_RoundTripIdempotent(t *testing.T) {
	t.Parallel()

	dirX, dirY := t.TempDir(), t.TempDir()
	writeWallet(t, dirX, "w1", walletFiles)

	m := walletmigrate.New(logging.NewTestLogger(t, false))
	x := walletmigrate.Endpoint{Name: "x", RPC: newFakeLoader("w1"), WalletsDir: dirX}
	y := walletmigrate.Endpoint{Name: "y", RPC: newFakeLoader(), WalletsDir: dirY}

	// X -> Y, then Y -> X. The copy back lands on identical content and is a
	// no-op rather than a collision.
	require.NoError(t, m.Migrate(t.Context(), x, []string{"w1"}, y, walletmigrate.Options{LoadOnTarget: true}))
	require.NoError(t, m.Migrate(t.Context(), y, []string{"w1"}, x, walletmigrate.Options{ReloadOnSource: true}))

	require.Empty(t, cmp.Diff(walletFiles, readWallet(t, dirX, "w1")))
	require.Empty(t, cmp.Diff(walletFiles, readWallet(t, dirY, "w1")))
}

func TestMigrate_MissingSourceWallet(t *testing.T) {
	t.Parallel()

	m := walletmigrate.New(logging.NewTestLogger(t, false))
	err := m.Migrate(t.Context(),
		walletmigrate.Endpoint{Name: "source", RPC: newFakeLoader(), WalletsDir: t.TempDir()},
		[]string{"ghost"},
		walletmigrate.Endpoint{Name: "target", RPC: newFakeLoader(), WalletsDir: t.TempDir()},
		walletmigrate.Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}

func TestMigrate_ReloadOnSource(t *testing.T) {
	t.Parallel()

	sourceDir, targetDir := t.TempDir(), t.TempDir()
	writeWallet(t, sourceDir, "w1", walletFiles)
	sourceRPC := newFakeLoader("w1")

	m := walletmigrate.New(logging.NewTestLogger(t, false))
	err := m.Migrate(t.Context(),
		walletmigrate.Endpoint{Name: "source", RPC: sourceRPC, WalletsDir: sourceDir},
		[]string{"w1"},
		walletmigrate.Endpoint{Name: "target", RPC: newFakeLoader(), WalletsDir: targetDir},
		walletmigrate.Options{ReloadOnSource: true})
	require.NoError(t, err)
	require.Equal(t, []string{"w1"}, sourceRPC.loads)
	require.True(t, sourceRPC.loaded["w1"])
}
