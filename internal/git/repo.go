package git

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"savepoint/internal/errors"
)

var (
	// ErrNoCommits is returned by Head on a repository without checkpoints
	ErrNoCommits = stderrors.New("repository has no commits yet")

	// ErrUnknownRevision is returned when an id does not resolve to a commit
	ErrUnknownRevision = stderrors.New("unknown revision")
)

// Repo is the version-control backend for one project root
type Repo struct {
	path string
	repo *git.Repository
}

// Identity is a commit author
type Identity struct {
	Name  string
	Email string
}

// Commit describes a checkpoint
type Commit struct {
	ID      string    `json:"id"`
	ShortID string    `json:"short_id"`
	Parents []string  `json:"parents"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

// Branch is a named ref and the commit it points at
type Branch struct {
	Name   string `json:"name"`
	Commit string `json:"commit"`
}

// Remote is a configured remote
type Remote struct {
	Name string   `json:"name"`
	URLs []string `json:"urls"`
}

// MergeStatus is the outcome of a non-committing merge
type MergeStatus string

const (
	MergeConflicted MergeStatus = "conflicted"
	MergeUpToDate   MergeStatus = "up-to-date"
	MergeStaged     MergeStatus = "staged"
)

// PushResult captures the external push process
type PushResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Open opens the repository rooted exactly at path
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if stderrors.Is(err, git.ErrRepositoryNotExists) {
			return nil, errors.Wrapf(errors.ErrNotInitialized, "%s", path)
		}
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}

	return &Repo{
		path: path,
		repo: repo,
	}, nil
}

// Init creates a repository at path, or opens the existing one
func Init(path string) (*Repo, error) {
	repo, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		if stderrors.Is(err, git.ErrRepositoryAlreadyExists) {
			return Open(path)
		}
		return nil, fmt.Errorf("failed to init git repository: %w", err)
	}

	return &Repo{
		path: path,
		repo: repo,
	}, nil
}

// Root returns the project root
func (r *Repo) Root() string {
	return r.path
}

// GitDir returns the repository's private directory
func (r *Repo) GitDir() string {
	return filepath.Join(r.path, git.GitDirName)
}

// Status returns every changed path, sorted. Untracked files are only
// reported when includeUntracked is set; without them the query reads the
// index and never walks untracked directories.
func (r *Repo) Status(includeUntracked bool) ([]FileStatus, error) {
	if !includeUntracked {
		return r.trackedStatus()
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	entries := make([]FileStatus, 0, len(status))
	for path, fileStatus := range status {
		code := classify(fileStatus)
		if code == StatusUnmodified || code == StatusIgnored {
			continue
		}
		entries = append(entries, FileStatus{Path: path, Status: code})
	}

	sortStatus(entries)
	return entries, nil
}

// PorcelainStatus is Status computed by the git CLI. It is the fallback when
// go-git cannot walk the tree.
func (r *Repo) PorcelainStatus(includeUntracked bool) ([]FileStatus, error) {
	return r.porcelain(includeUntracked)
}

func (r *Repo) porcelain(includeUntracked bool, pathspec ...string) ([]FileStatus, error) {
	untracked := "--untracked-files=no"
	if includeUntracked {
		untracked = "--untracked-files=all"
	}

	args := []string{"status", "--porcelain=v1", "-z", untracked}
	if len(pathspec) > 0 {
		args = append(append(args, "--"), pathspec...)
	}

	out, err := r.run(args...)
	if err != nil {
		return nil, err
	}

	entries := ParsePorcelain(out)
	kept := entries[:0]
	for _, e := range entries {
		if e.Status == StatusIgnored {
			continue
		}
		kept = append(kept, e)
	}
	sortStatus(kept)
	return kept, nil
}

// StageAll stages every addition, modification and deletion. While a merge
// is in progress the git CLI stages resolved conflicts.
func (r *Repo) StageAll() error {
	if r.MergeInProgress() {
		return r.StageAllCLI()
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	return nil
}

// StageAllCLI is StageAll through the git CLI
func (r *Repo) StageAllCLI() error {
	_, err := r.run("add", "-A")
	return err
}

// Stage stages a single path relative to the root. While a merge is in
// progress the git CLI stages it.
func (r *Repo) Stage(path string) error {
	if r.MergeInProgress() {
		return r.StageCLI(path)
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := worktree.Add(filepath.ToSlash(path)); err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	return nil
}

// StageCLI is Stage through the git CLI
func (r *Repo) StageCLI(path string) error {
	_, err := r.run("add", "--", filepath.ToSlash(path))
	return err
}

// Commit records the index as a new commit on the current branch. A pending
// merge is concluded as a merge commit.
func (r *Repo) Commit(message string, author Identity) (string, error) {
	if r.MergeInProgress() {
		return r.commitMerge(message, author)
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

func (r *Repo) commitMerge(message string, author Identity) (string, error) {
	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_COMMITTER_NAME=" + author.Name,
		"GIT_COMMITTER_EMAIL=" + author.Email,
	}
	if _, _, _, err := r.execEnv(env, "commit", "--no-verify", "-q", "-m", message); err != nil {
		return "", err
	}
	return r.Head()
}

// MergeInProgress reports whether a non-committed merge is pending
func (r *Repo) MergeInProgress() bool {
	_, err := os.Stat(filepath.Join(r.GitDir(), "MERGE_HEAD"))
	return err == nil
}

// Identity returns the configured user, merging system, global and local scopes
func (r *Repo) Identity() (Identity, bool) {
	cfg, err := r.repo.ConfigScoped(config.SystemScope)
	if err != nil {
		return Identity{}, false
	}

	id := Identity{Name: cfg.User.Name, Email: cfg.User.Email}
	if cfg.Author.Name != "" {
		id.Name = cfg.Author.Name
	}
	if cfg.Author.Email != "" {
		id.Email = cfg.Author.Email
	}
	return id, id.Name != "" && id.Email != ""
}

// Head returns the commit the current branch points at
func (r *Repo) Head() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoCommits
		}
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// CurrentBranch returns the name of the current branch, even before the
// first commit exists
func (r *Repo) CurrentBranch() (string, error) {
	ref, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", fmt.Errorf("HEAD is detached")
	}
	return ref.Target().Short(), nil
}

// CommitInfo loads the commit with the given full id
func (r *Repo) CommitInfo(id string) (*Commit, error) {
	c, err := r.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, id)
	}
	return toCommit(c), nil
}

// Resolve turns a full or abbreviated id, branch or tag into a commit id
func (r *Repo) Resolve(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrUnknownRevision)
	}

	hash, err := r.repo.ResolveRevision(plumbing.Revision(id))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownRevision, id)
	}
	if _, err := r.repo.CommitObject(*hash); err != nil {
		return "", fmt.Errorf("%w: %s is not a commit", ErrUnknownRevision, id)
	}
	return hash.String(), nil
}

// CreateBranch points the branch name at commit id, creating it if needed
func (r *Repo) CreateBranch(name, id string) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(id))
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// Branches lists local branches whose short name starts with prefix
func (r *Repo) Branches(prefix string) ([]Branch, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer iter.Close()

	var branches []Branch
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if strings.HasPrefix(name, prefix) {
			branches = append(branches, Branch{Name: name, Commit: ref.Hash().String()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	return branches, nil
}

// HardReset moves the current branch and working tree to commit id.
// Uses the git CLI because go-git's hard reset removes ignored untracked
// directories.
func (r *Repo) HardReset(id string) error {
	_, err := r.run("reset", "--hard", id)
	return err
}

// IsAncestor reports whether ancestor is reachable from descendant (or equal to it)
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	a, err := r.repo.CommitObject(plumbing.NewHash(ancestor))
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownRevision, ancestor)
	}
	d, err := r.repo.CommitObject(plumbing.NewHash(descendant))
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownRevision, descendant)
	}
	return a.IsAncestor(d)
}

// Merge merges id into the current branch without committing and without
// fast-forwarding, leaving the result staged
func (r *Repo) Merge(id string) (MergeStatus, error) {
	out, err := r.RunGitCommand("merge", "--no-ff", "--no-commit", id)
	if err == nil {
		if strings.Contains(out, "Already up to date") || strings.Contains(out, "Already up-to-date") {
			return MergeUpToDate, nil
		}
		return MergeStaged, nil
	}

	conflicts, cerr := r.UnmergedPaths()
	if cerr == nil && len(conflicts) > 0 {
		return MergeConflicted, nil
	}
	return "", err
}

// AbortMerge discards a pending merge and restores the pre-merge index
// and working tree
func (r *Repo) AbortMerge() error {
	_, err := r.RunGitCommand("merge", "--abort")
	return err
}

// ConflictSides returns the base, ours and theirs copies of a conflicted
// path from the index. A side missing from the merge yields an error.
func (r *Repo) ConflictSides(path string) (base, ours, theirs []byte, err error) {
	sides := make([][]byte, 3)
	for i := range sides {
		out, err := r.run("show", fmt.Sprintf(":%d:%s", i+1, filepath.ToSlash(path)))
		if err != nil {
			return nil, nil, nil, err
		}
		sides[i] = []byte(out)
	}
	return sides[0], sides[1], sides[2], nil
}

// MergeFile runs a three-way text merge of ours and theirs against base.
// clean is false when the result carries conflict markers.
func (r *Repo) MergeFile(base, ours, theirs []byte) (merged []byte, clean bool, err error) {
	dir, err := os.MkdirTemp("", "savepoint-merge-")
	if err != nil {
		return nil, false, err
	}
	defer os.RemoveAll(dir)

	names := []string{"ours", "base", "theirs"}
	for i, data := range [][]byte{ours, base, theirs} {
		if err := os.WriteFile(filepath.Join(dir, names[i]), data, 0600); err != nil {
			return nil, false, err
		}
	}

	stdout, _, code, err := r.exec("merge-file", "-p",
		filepath.Join(dir, "ours"), filepath.Join(dir, "base"), filepath.Join(dir, "theirs"))
	if err != nil {
		// a positive exit code counts the conflicts left in the output
		if code > 0 {
			return []byte(stdout), false, nil
		}
		return nil, false, err
	}
	return []byte(stdout), true, nil
}

// UnmergedPaths lists paths with unresolved conflicts
func (r *Repo) UnmergedPaths() ([]string, error) {
	out, err := r.RunGitCommand("diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// RevertPaths discards every staged change under dir, restoring the HEAD
// version of each path and unstaging paths HEAD does not have. It returns
// the reverted paths.
func (r *Repo) RevertPaths(dir string) ([]string, error) {
	dir = filepath.ToSlash(dir)
	entries, err := r.porcelain(false, dir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var tree *object.Tree
	if head, err := r.repo.Head(); err == nil {
		if c, err := r.repo.CommitObject(head.Hash()); err == nil {
			tree, _ = c.Tree()
		}
	}

	var inHead, notInHead []string
	for _, e := range entries {
		if e.Status == StatusUntracked {
			continue
		}
		if tree != nil {
			if _, err := tree.File(e.Path); err == nil {
				inHead = append(inHead, e.Path)
				continue
			}
		}
		notInHead = append(notInHead, e.Path)
	}

	if len(inHead) > 0 {
		args := append([]string{"checkout", "HEAD", "--"}, inHead...)
		if _, err := r.run(args...); err != nil {
			return nil, err
		}
	}
	if len(notInHead) > 0 {
		args := append([]string{"rm", "-q", "-f", "--cached", "--"}, notInHead...)
		if _, err := r.run(args...); err != nil {
			return nil, err
		}
		for _, p := range notInHead {
			if err := os.Remove(filepath.Join(r.path, filepath.FromSlash(p))); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to remove %s: %w", p, err)
			}
		}
	}

	return append(inHead, notInHead...), nil
}

// Log returns up to limit commits reachable from HEAD, newest first
func (r *Repo) Log(limit int) ([]Commit, error) {
	head, err := r.repo.Head()
	if err != nil {
		if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}

	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var commits []Commit
	errStop := stderrors.New("stop")
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(commits) >= limit {
			return errStop
		}
		commits = append(commits, *toCommit(c))
		return nil
	})
	if err != nil && err != errStop {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return commits, nil
}

// Remotes lists configured remotes sorted by name
func (r *Repo) Remotes() ([]Remote, error) {
	remotes, err := r.repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}

	out := make([]Remote, 0, len(remotes))
	for _, rem := range remotes {
		cfg := rem.Config()
		out = append(out, Remote{Name: cfg.Name, URLs: cfg.URLs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Push pushes branch to remote through the git CLI, which owns credentials
// and transport
func (r *Repo) Push(remote, branch string) (*PushResult, error) {
	stdout, stderr, code, err := r.exec("push", remote, branch)
	result := &PushResult{ExitCode: code, Stdout: stdout, Stderr: stderr}
	return result, err
}

// RunGitCommand executes a git command and returns the trimmed output
func (r *Repo) RunGitCommand(args ...string) (string, error) {
	out, err := r.run(args...)
	return strings.TrimSpace(out), err
}

// run executes git in the project root and returns raw stdout
func (r *Repo) run(args ...string) (string, error) {
	stdout, _, _, err := r.exec(args...)
	return stdout, err
}

func (r *Repo) exec(args ...string) (stdout, stderr string, exitCode int, err error) {
	return r.execEnv(nil, args...)
}

func (r *Repo) execEnv(env []string, args ...string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.path
	cmd.Env = append(append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0"), env...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return stdout, stderr, 0, nil
	}

	exitCode = -1
	var exitErr *exec.ExitError
	if stderrors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return stdout, stderr, exitCode, errors.NewCommandError("git", args, exitCode, stdout, stderr, runErr)
}

// IsPathTooLong reports whether err was caused by a path exceeding the
// platform's length limits
func IsPathTooLong(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, syscall.ENAMETOOLONG) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"file name too long", "filename too long", "path too long", "name too long"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func toCommit(c *object.Commit) *Commit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	id := c.Hash.String()
	return &Commit{
		ID:      id,
		ShortID: ShortID(id),
		Parents: parents,
		Message: strings.TrimRight(c.Message, "\n"),
		Author:  c.Author.Name,
		When:    c.Author.When,
	}
}

// ShortID abbreviates a commit id to seven characters
func ShortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
