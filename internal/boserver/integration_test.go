package boserver_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sea5kg-go/bo/internal/boclient"
	"github.com/sea5kg-go/bo/internal/boserver"
	"github.com/sea5kg-go/bo/internal/inventory"
	"github.com/sea5kg-go/bo/internal/scanner"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func startServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	acc, err := boserver.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = acc.Serve()
	}()
	return acc.Addr().String(), func() {
		if err := acc.Shutdown(); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}
}

func syncOnce(t *testing.T, addr, workspace, targetDir, cachePath string) *inventory.Inventory {
	t.Helper()
	inv, err := inventory.Load(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := scanner.Rescan(workspace, inv); err != nil {
		t.Fatal(err)
	}
	conn, err := boclient.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := boclient.Sync(conn, workspace, targetDir, inv, 512); err != nil {
		t.Fatal(err)
	}
	return inv
}

// TestFirstSync covers scenario S1: a fresh workspace fully replicates to
// an empty target directory.
func TestFirstSync(t *testing.T) {
	workspace := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "hello\n")
	writeFile(t, filepath.Join(workspace, "d", "b.bin"), string([]byte{1, 2, 3, 4, 5}))

	addr, shutdown := startServer(t)
	defer shutdown()

	cachePath := filepath.Join(t.TempDir(), "cache.yml")
	inv := syncOnce(t, addr, workspace, target, cachePath)

	gotA, err := os.ReadFile(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotA) != "hello\n" {
		t.Fatalf("got %q", gotA)
	}
	if _, err := os.Stat(filepath.Join(target, "d", "b.bin")); err != nil {
		t.Fatal(err)
	}
	for path, e := range inv.AllEntries() {
		if e.RequiredSync != inventory.SyncNone {
			t.Fatalf("expected %s to be NONE after sync, got %s", path, e.RequiredSync)
		}
	}
}

// TestNoopSyncTransfersNothing covers scenario S2.
func TestNoopSyncTransfersNothing(t *testing.T) {
	workspace := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "hello\n")

	addr, shutdown := startServer(t)
	defer shutdown()

	cachePath := filepath.Join(t.TempDir(), "cache.yml")
	syncOnce(t, addr, workspace, target, cachePath)

	beforeInfo, err := os.Stat(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	inv := syncOnce(t, addr, workspace, target, cachePath)

	afterInfo, err := os.Stat(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if beforeInfo.ModTime() != afterInfo.ModTime() {
		t.Fatal("expected no-op sync to leave the target file untouched")
	}
	if len(inv.PendingEntries()) != 0 {
		t.Fatalf("expected empty pending set, got %v", inv.PendingEntries())
	}
}

// TestModifyOneFile covers scenario S3.
func TestModifyOneFile(t *testing.T) {
	workspace := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "hello\n")
	writeFile(t, filepath.Join(workspace, "d", "b.bin"), "unchanged")

	addr, shutdown := startServer(t)
	defer shutdown()

	cachePath := filepath.Join(t.TempDir(), "cache.yml")
	syncOnce(t, addr, workspace, target, cachePath)

	time.Sleep(10 * time.Millisecond)
	writeFile(t, filepath.Join(workspace, "a.txt"), "HELLO\n")
	syncOnce(t, addr, workspace, target, cachePath)

	got, err := os.ReadFile(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HELLO\n" {
		t.Fatalf("got %q", got)
	}
	other, err := os.ReadFile(filepath.Join(target, "d", "b.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(other) != "unchanged" {
		t.Fatalf("unrelated file should be untouched, got %q", other)
	}
}

// TestDeleteOneFile covers scenario S4.
func TestDeleteOneFile(t *testing.T) {
	workspace := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "hello\n")
	writeFile(t, filepath.Join(workspace, "d", "b.bin"), "bytes")

	addr, shutdown := startServer(t)
	defer shutdown()

	cachePath := filepath.Join(t.TempDir(), "cache.yml")
	syncOnce(t, addr, workspace, target, cachePath)

	if err := os.Remove(filepath.Join(workspace, "d", "b.bin")); err != nil {
		t.Fatal(err)
	}
	inv := syncOnce(t, addr, workspace, target, cachePath)

	if _, err := os.Stat(filepath.Join(target, "d", "b.bin")); !os.IsNotExist(err) {
		t.Fatalf("expected target file removed, stat err: %v", err)
	}
	if inv.Has("d/b.bin") {
		t.Fatal("expected entry removed from inventory")
	}
}

// TestIntegrityFailureAbortsAndLeavesUpdatePending covers scenario S5: if
// the bytes on the wire don't match the md5 recorded in the pending
// inventory, the server rejects them with WRONG_MD5, Sync returns an
// error, and the local inventory entry is left at UPDATE rather than
// advanced to NONE -- the next sync attempt will retry it.
func TestIntegrityFailureAbortsAndLeavesUpdatePending(t *testing.T) {
	workspace := t.TempDir()
	target := t.TempDir()
	filePath := filepath.Join(workspace, "a.txt")
	writeFile(t, filePath, "hello\n")

	addr, shutdown := startServer(t)
	defer shutdown()

	cachePath := filepath.Join(t.TempDir(), "cache.yml")
	inv, err := inventory.Load(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := scanner.Rescan(workspace, inv); err != nil {
		t.Fatal(err)
	}

	// Mutate the file on disk after the inventory recorded its md5, so
	// the bytes actually sent no longer match what the server expects.
	if err := os.WriteFile(filePath, []byte("corrupted\n"), 0644); err != nil {
		t.Fatal(err)
	}

	conn, err := boclient.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := boclient.Sync(conn, workspace, target, inv, 512); err == nil {
		t.Fatal("expected Sync to fail on integrity mismatch")
	}

	entry := inv.Get("a.txt")
	if entry == nil {
		t.Fatal("expected inventory entry to survive the failed sync")
	}
	if entry.RequiredSync != inventory.SyncUpdate {
		t.Fatalf("expected entry to remain UPDATE after integrity failure, got %s", entry.RequiredSync)
	}
}

// TestRemoteCommand covers scenario S6.
func TestRemoteCommand(t *testing.T) {
	target := t.TempDir()

	addr, shutdown := startServer(t)
	defer shutdown()

	conn, err := boclient.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	exitCode, err := boclient.RunCommand(conn, target, "", []string{"echo", "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if exitCode != 0 {
		t.Fatalf("expected exit 0, got %d", exitCode)
	}
}
