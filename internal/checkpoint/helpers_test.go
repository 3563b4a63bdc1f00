package checkpoint

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"savepoint/internal/git"
	"savepoint/internal/version"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	gitCmd(t, tmpDir, "init", "-q", "-b", "main")
	gitCmd(t, tmpDir, "config", "user.name", "Test User")
	gitCmd(t, tmpDir, "config", "user.email", "test@example.com")
	gitCmd(t, tmpDir, "config", "commit.gpgsign", "false")
	return tmpDir
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()

	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, name string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// stepClock advances one second per call
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// memRecorder keeps journal entries in memory
type memRecorder struct {
	entries []JournalEntry
	err     error
}

func (r *memRecorder) Record(entry JournalEntry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entry)
	return nil
}

// ArchiveOrder numbers archive refs by the position of their last entry
func (r *memRecorder) ArchiveOrder(prefix string) (map[string]int64, error) {
	order := make(map[string]int64)
	for i, e := range r.entries {
		if e.ArchiveRef != "" && strings.HasPrefix(e.ArchiveRef, prefix) {
			order[e.ArchiveRef] = int64(i + 1)
		}
	}
	return order, nil
}

func (r *memRecorder) ops() []string {
	var ops []string
	for _, e := range r.entries {
		ops = append(ops, e.Operation)
	}
	return ops
}

type fixture struct {
	root     string
	repo     *git.Repo
	versions *version.Service
	manager  *Manager
	recorder *memRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := setupTestRepo(t)
	repo, err := git.Open(root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return newFixtureWith(t, root, repo)
}

func newFixtureWith(t *testing.T, root string, backend Backend) *fixture {
	t.Helper()

	versions := version.NewService(
		filepath.Join(root, ".savepoint", "version.yaml"),
		filepath.Join(root, "package.json"),
		nil,
	)
	rec := &memRecorder{}
	m := NewManager(backend, versions, Options{
		MetaDir:  ".savepoint",
		Fallback: git.Identity{Name: "Fallback", Email: "fallback@localhost"},
		Recorder: rec,
		Now:      newStepClock().Now,
	})

	f := &fixture{root: root, versions: versions, manager: m, recorder: rec}
	if r, ok := backend.(*git.Repo); ok {
		f.repo = r
	}
	return f
}

func (f *fixture) head(t *testing.T) string {
	t.Helper()
	return gitCmd(t, f.root, "rev-parse", "HEAD")
}

func (f *fixture) archives(t *testing.T) []string {
	t.Helper()

	out := gitCmd(t, f.root, "for-each-ref", "--format=%(refname:short)", "refs/heads/archive/")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// saveFile writes a file and saves it with a patch bump
func (f *fixture) saveFile(t *testing.T, name, content string) *SaveResult {
	t.Helper()

	writeFile(t, f.root, name, content)
	res, err := f.manager.Save("edit "+name, version.Patch, "")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !res.Saved {
		t.Fatalf("Expected a checkpoint for %s", name)
	}
	return res
}
