// Package walletmigrate moves wallet files between node data directories
// across version boundaries. The protocol is unload, stage a full copy, rename
// into place, load: storage files cannot be read while the owning node has the
// wallet open, and a target must never observe a partial copy.
package walletmigrate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ledgerlabs/walletcompat/internal/noderpc"
)

// WalletLoader is the wallet load/unload RPC surface, implemented by
// *noderpc.Client.
type WalletLoader interface {
	LoadWallet(ctx context.Context, name string) error
	UnloadWallet(ctx context.Context, name string) error
}

// Endpoint is one side of a migration: a node's wallet RPC plus the wallets
// directory inside its data directory. The directory is touched only while
// the owning node has the wallet unloaded; that unload-before-touch discipline
// is the harness's sole locking protocol.
type Endpoint struct {
	Name       string // for logs
	RPC        WalletLoader
	WalletsDir string
}

// Options tunes one migration.
type Options struct {
	// LoadOnTarget loads each wallet on the target after copying. Disabled for
	// the negative path, where the load is expected to fail at target startup
	// instead.
	LoadOnTarget bool

	// ReloadOnSource loads each wallet back on the source after copying, so
	// the source stays usable for later assertions.
	ReloadOnSource bool
}

// Migrator copies wallets between endpoints.
type Migrator struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Migrator {
	return &Migrator{log: log.With("component", "migrator")}
}

// Migrate moves the named wallets from source to target. Copying is
// destination-additive: a wallet already present at the target with identical
// content is left alone, and one with different content is an error, never an
// overwrite.
func (m *Migrator) Migrate(ctx context.Context, source Endpoint, walletNames []string, target Endpoint, opts Options) error {
	for _, name := range walletNames {
		if err := m.migrateOne(ctx, source, name, target, opts); err != nil {
			return fmt.Errorf("failed to migrate wallet %q from %s to %s: %w", name, source.Name, target.Name, err)
		}
	}
	return nil
}

func (m *Migrator) migrateOne(ctx context.Context, source Endpoint, name string, target Endpoint, opts Options) error {
	m.log.Debug("Migrating wallet", "wallet", name, "source", source.Name, "target", target.Name)

	// Unload so the files are quiescent. Already-unloaded is fine: fanning the
	// same wallet out to several targets unloads it once.
	if err := source.RPC.UnloadWallet(ctx, name); err != nil && !noderpc.IsWalletNotLoaded(err) {
		return fmt.Errorf("failed to unload on source: %w", err)
	}

	if err := copyWalletDir(filepath.Join(source.WalletsDir, name), target.WalletsDir, name); err != nil {
		return err
	}

	if opts.ReloadOnSource {
		if err := source.RPC.LoadWallet(ctx, name); err != nil {
			return fmt.Errorf("failed to reload on source: %w", err)
		}
	}
	if opts.LoadOnTarget {
		if err := target.RPC.LoadWallet(ctx, name); err != nil {
			return fmt.Errorf("failed to load on target: %w", err)
		}
	}
	return nil
}

// copyWalletDir copies the wallet subtree into targetDir/<name> via a staging
// directory and a final rename, so a concurrent or crashed load never sees a
// half-written wallet.
func copyWalletDir(sourceDir, targetDir, name string) error {
	if _, err := os.Stat(sourceDir); err != nil {
		return fmt.Errorf("source wallet directory: %w", err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("failed to create target wallets directory: %w", err)
	}

	finalDir := filepath.Join(targetDir, name)
	if _, err := os.Stat(finalDir); err == nil {
		same, err := dirsEqual(sourceDir, finalDir)
		if err != nil {
			return fmt.Errorf("failed to compare existing target wallet: %w", err)
		}
		if same {
			return nil
		}
		return fmt.Errorf("wallet %q already exists at target with different content", name)
	}

	stagingDir, err := os.MkdirTemp(targetDir, ".staging-"+name+"-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	if err := copyTree(sourceDir, stagingDir); err != nil {
		return fmt.Errorf("failed to stage wallet copy: %w", err)
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return fmt.Errorf("failed to move staged wallet into place: %w", err)
	}
	return nil
}

func copyTree(sourceDir, targetDir string) error {
	return filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(targetDir, rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(path, dest)
	})
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// dirsEqual reports whether two directory trees have the same relative paths
// and file contents.
func dirsEqual(a, b string) (bool, error) {
	filesA, err := treeFiles(a)
	if err != nil {
		return false, err
	}
	filesB, err := treeFiles(b)
	if err != nil {
		return false, err
	}
	if len(filesA) != len(filesB) {
		return false, nil
	}
	for rel := range filesA {
		if _, ok := filesB[rel]; !ok {
			return false, nil
		}
		contentA, err := os.ReadFile(filepath.Join(a, rel))
		if err != nil {
			return false, err
		}
		contentB, err := os.ReadFile(filepath.Join(b, rel))
		if err != nil {
			return false, err
		}
		if !bytes.Equal(contentA, contentB) {
			return false, nil
		}
	}
	return true, nil
}

func treeFiles(root string) (map[string]struct{}, error) {
	files := map[string]struct{}{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
