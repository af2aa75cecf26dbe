package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"labcopilot/internal/models"
	"labcopilot/internal/workspace"
)

func newTestRegistry(t *testing.T) (*Registry, *workspace.Resolver) {
	t.Helper()
	resolver := workspace.NewResolver(t.TempDir())
	reg := New(resolver, func(projectID string) (string, error) {
		return models.DefaultWorkspace, nil
	}, 0)
	return reg, resolver
}

// stageUpload writes content to a staging file beside the destination, the
// way the upload handler hands bytes to RegisterUpload.
func stageUpload(t *testing.T, resolver *workspace.Resolver, project, rel string, content []byte) string {
	t.Helper()
	orig, err := resolver.OriginalPath(project, models.DefaultWorkspace, rel)
	if err != nil {
		t.Fatalf("OriginalPath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(orig), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	staged := orig + ".up"
	if err := os.WriteFile(staged, content, 0o644); err != nil {
		t.Fatalf("write staged upload: %v", err)
	}
	return staged
}

func registerFile(t *testing.T, reg *Registry, resolver *workspace.Resolver, project, rel string, content []byte) *models.FileEntry {
	t.Helper()
	staged := stageUpload(t, resolver, project, rel, content)
	entry, _, err := reg.RegisterUpload(project, rel, Fingerprint(content), staged, int64(len(content)), "text/plain")
	if err != nil {
		t.Fatalf("RegisterUpload: %v", err)
	}
	return entry
}

func TestRegisterUploadIdempotent(t *testing.T) {
	reg, resolver := newTestRegistry(t)
	content := []byte("protocol step one")

	first := registerFile(t, reg, resolver, "p1", "protocol.pdf", content)
	staged := stageUpload(t, resolver, "p1", "protocol.pdf", content)
	second, created, err := reg.RegisterUpload("p1", "protocol.pdf", Fingerprint(content), staged, int64(len(content)), "text/plain")
	if err != nil {
		t.Fatalf("RegisterUpload repeat: %v", err)
	}
	if created {
		t.Fatalf("identical bytes must not create a new entry")
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("idempotent re-upload must discard the staged file")
	}
	if second.Fingerprint != first.Fingerprint || second.UploadedAt != first.UploadedAt {
		t.Fatalf("entry changed on idempotent re-upload: %#v vs %#v", first, second)
	}
	entries, err := reg.List("p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("registry grew on idempotent upload: %d entries", len(entries))
	}
}

func TestFingerprintSupersession(t *testing.T) {
	reg, resolver := newTestRegistry(t)
	entry := registerFile(t, reg, resolver, "p1", "notes.bin", []byte("v1"))

	conv, err := resolver.ConvertedPath("p1", models.DefaultWorkspace, "notes.bin")
	if err != nil {
		t.Fatalf("ConvertedPath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(conv), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(conv, []byte("# notes"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if ok, err := reg.MarkConverting("p1", "notes.bin", entry.Fingerprint); err != nil || !ok {
		t.Fatalf("MarkConverting: ok=%v err=%v", ok, err)
	}
	if err := reg.MarkConverted("p1", "notes.bin", entry.Fingerprint, conv, "raw-strings"); err != nil {
		t.Fatalf("MarkConverted: %v", err)
	}

	newContent := []byte("v2 is different")
	staged := stageUpload(t, resolver, "p1", "notes.bin", newContent)
	updated, created, err := reg.RegisterUpload("p1", "notes.bin", Fingerprint(newContent), staged, int64(len(newContent)), "text/plain")
	if err != nil {
		t.Fatalf("RegisterUpload supersede: %v", err)
	}
	if !created {
		t.Fatalf("different bytes must create a fresh entry")
	}
	if updated.State != models.StateUploaded {
		t.Fatalf("superseding entry must restart at uploaded, got %s", updated.State)
	}
	if _, err := os.Stat(conv); !os.IsNotExist(err) {
		t.Fatalf("stale converted artifact must be removed")
	}
	best, err := reg.ResolveBestVersion("p1", "notes.bin")
	if err != nil {
		t.Fatalf("ResolveBestVersion: %v", err)
	}
	if best != entry.OriginalPath {
		t.Fatalf("best version must fall back to original until reconversion, got %s", best)
	}

	// The old fingerprint's in-flight attempt can no longer complete.
	if err := reg.MarkConverted("p1", "notes.bin", entry.Fingerprint, conv, "raw-strings"); err != ErrStaleAttempt {
		t.Fatalf("expected ErrStaleAttempt, got %v", err)
	}
}

func TestRegisterUploadEnforcesQuota(t *testing.T) {
	resolver := workspace.NewResolver(t.TempDir())
	reg := New(resolver, func(string) (string, error) {
		return models.DefaultWorkspace, nil
	}, 40)

	small := []byte("0123456789")
	registerFile(t, reg, resolver, "p1", "a.txt", small)

	big := make([]byte, 35)
	for i := range big {
		big[i] = 'x'
	}
	staged := stageUpload(t, resolver, "p1", "b.txt", big)
	if _, _, err := reg.RegisterUpload("p1", "b.txt", Fingerprint(big), staged, int64(len(big)), "text/plain"); err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("rejected upload must discard the staged file")
	}
	entries, err := reg.List("p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("rejected upload left a ledger entry: %d entries", len(entries))
	}

	// Identical bytes on a registered path consume no additional quota.
	staged = stageUpload(t, resolver, "p1", "a.txt", small)
	if _, created, err := reg.RegisterUpload("p1", "a.txt", Fingerprint(small), staged, int64(len(small)), "text/plain"); err != nil || created {
		t.Fatalf("idempotent re-upload must pass the quota check: created=%v err=%v", created, err)
	}
	usage, err := reg.Usage("p1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage != int64(len(small)) {
		t.Fatalf("re-upload double counted usage: %d", usage)
	}

	// Replacing a path frees the bytes it previously held.
	replacement := make([]byte, 38)
	for i := range replacement {
		replacement[i] = 'y'
	}
	staged = stageUpload(t, resolver, "p1", "a.txt", replacement)
	if _, created, err := reg.RegisterUpload("p1", "a.txt", Fingerprint(replacement), staged, int64(len(replacement)), "text/plain"); err != nil || !created {
		t.Fatalf("replacement within the freed budget must succeed: created=%v err=%v", created, err)
	}
}

func TestInstallConvertedRejectsStaleFingerprint(t *testing.T) {
	reg, resolver := newTestRegistry(t)
	entry := registerFile(t, reg, resolver, "p1", "data.bin", []byte("v1 bytes"))
	if ok, _ := reg.MarkConverting("p1", "data.bin", entry.Fingerprint); !ok {
		t.Fatalf("MarkConverting should win")
	}

	// A replacement upload supersedes the in-flight fingerprint.
	replacement := []byte("v2 bytes differ")
	staged := stageUpload(t, resolver, "p1", "data.bin", replacement)
	if _, _, err := reg.RegisterUpload("p1", "data.bin", Fingerprint(replacement), staged, int64(len(replacement)), "text/plain"); err != nil {
		t.Fatalf("RegisterUpload supersede: %v", err)
	}

	artifact := filepath.Join(t.TempDir(), "late.md")
	if err := os.WriteFile(artifact, []byte("late result"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if _, err := reg.InstallConverted("p1", "data.bin", entry.Fingerprint, artifact, "raw-strings"); err != ErrStaleAttempt {
		t.Fatalf("expected ErrStaleAttempt, got %v", err)
	}
	// The rename never ran: the stale attempt still owns its staged copy.
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("staged artifact should be untouched on stale install: %v", err)
	}
}

func TestMarkConvertingAtMostOnce(t *testing.T) {
	reg, resolver := newTestRegistry(t)
	entry := registerFile(t, reg, resolver, "p1", "assay.csv", []byte("a,b\n1,2\n"))

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := reg.MarkConverting("p1", "assay.csv", entry.Fingerprint)
			if err != nil {
				t.Errorf("MarkConverting: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("exactly one claim must win, got %d", won)
	}
}

func TestConversionFailureDegradesGracefully(t *testing.T) {
	reg, resolver := newTestRegistry(t)
	entry := registerFile(t, reg, resolver, "p1", "scan.tiff", []byte{0x49, 0x49, 0x2a, 0x00})

	if ok, _ := reg.MarkConverting("p1", "scan.tiff", entry.Fingerprint); !ok {
		t.Fatalf("MarkConverting should win")
	}
	if err := reg.MarkConversionFailed("p1", "scan.tiff", entry.Fingerprint, "no converter produced text"); err != nil {
		t.Fatalf("MarkConversionFailed: %v", err)
	}

	best, err := reg.ResolveBestVersion("p1", "scan.tiff")
	if err != nil {
		t.Fatalf("ResolveBestVersion: %v", err)
	}
	if best != entry.OriginalPath {
		t.Fatalf("failed conversion must still serve original, got %s", best)
	}

	got, err := reg.Get("p1", "scan.tiff")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != models.StateConversionFailed {
		t.Fatalf("state should be conversion_failed, got %s", got.State)
	}
	// Terminal for this fingerprint: no second attempt may claim it.
	if ok, _ := reg.MarkConverting("p1", "scan.tiff", entry.Fingerprint); ok {
		t.Fatalf("conversion_failed must be terminal for the fingerprint")
	}
}

func TestRebuildFromFilesystem(t *testing.T) {
	reg, resolver := newTestRegistry(t)
	entry := registerFile(t, reg, resolver, "p1", "proto/steps.txt", []byte("mix reagents"))

	conv, err := resolver.ConvertedPath("p1", models.DefaultWorkspace, "proto/steps.txt")
	if err != nil {
		t.Fatalf("ConvertedPath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(conv), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(conv, []byte("mix reagents"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	ledgerPath, err := resolver.LedgerPath("p1", models.DefaultWorkspace)
	if err != nil {
		t.Fatalf("LedgerPath: %v", err)
	}
	if err := os.WriteFile(ledgerPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt ledger: %v", err)
	}

	if err := reg.Rebuild("p1"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	rebuilt, err := reg.Get("p1", "proto/steps.txt")
	if err != nil {
		t.Fatalf("Get after rebuild: %v", err)
	}
	if rebuilt.Fingerprint != entry.Fingerprint {
		t.Fatalf("rebuilt fingerprint mismatch")
	}
	if rebuilt.State != models.StateConverted || rebuilt.ConvertedPath != conv {
		t.Fatalf("rebuild should recover converted artifact: %#v", rebuilt)
	}
}

func TestLoadDemotesStuckConverting(t *testing.T) {
	resolver := workspace.NewResolver(t.TempDir())
	wsFor := func(string) (string, error) { return models.DefaultWorkspace, nil }

	reg := New(resolver, wsFor, 0)
	entry := registerFile(t, reg, resolver, "p1", "deck.pptx", []byte("slides"))
	if ok, _ := reg.MarkConverting("p1", "deck.pptx", entry.Fingerprint); !ok {
		t.Fatalf("MarkConverting should win")
	}

	// Simulate a crash: a fresh registry instance reloads the ledger.
	fresh := New(resolver, wsFor, 0)
	got, err := fresh.Get("p1", "deck.pptx")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.State != models.StateUploaded {
		t.Fatalf("converting must demote to uploaded on reload, got %s", got.State)
	}
}
