// app.go
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"savepoint/internal/checkpoint"
	"savepoint/internal/config"
	"savepoint/internal/errors"
	"savepoint/internal/eventhub"
	"savepoint/internal/git"
	"savepoint/internal/logger"
	"savepoint/internal/version"
)

// AppOptions configures an App
type AppOptions struct {
	Root    string
	Verbose bool
	Stderr  io.Writer
}

// App owns the configuration, backend and services for one project root
type App struct {
	mu     sync.RWMutex
	opts   AppOptions
	config *config.Config
	logger *slog.Logger

	repo     *git.Repo
	versions *version.Service
	journal  *checkpoint.Journal
	manager  *checkpoint.Manager
	eventHub *eventhub.EventHub
}

// NewApp creates a new App for the given options
func NewApp(opts AppOptions) *App {
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &App{opts: opts}
}

// Startup loads configuration and opens the project. A missing repository
// is not an error here; operations that need one report ErrNotInitialized.
func (a *App) Startup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := config.Load(a.opts.Root)
	if err != nil {
		return err
	}
	a.config = cfg

	level := cfg.LogLevel
	if a.opts.Verbose {
		level = "debug"
	}
	a.logger = logger.New(a.opts.Stderr, level)

	a.versions = version.NewService(cfg.VersionFile, cfg.ManifestFile, a.logger)
	a.eventHub = eventhub.New(ctx)

	repo, err := git.Open(cfg.ProjectRoot)
	if err != nil && !errors.Is(err, errors.ErrNotInitialized) {
		return err
	}
	a.attach(repo)

	a.logger.Debug("started", "root", cfg.ProjectRoot, "initialized", repo != nil)
	return nil
}

// attach wires the backend, journal and manager. repo may be nil.
func (a *App) attach(repo *git.Repo) {
	a.repo = repo

	var backend checkpoint.Backend
	var recorder checkpoint.Recorder
	if repo != nil {
		backend = repo
		if a.journal == nil && a.config.JournalOn {
			journal, err := checkpoint.OpenJournal(a.config.JournalPath, 3, a.logger)
			if err != nil {
				a.logger.Warn("journal unavailable", "path", a.config.JournalPath, "error", err)
			} else {
				a.journal = journal
			}
		}
		if a.journal != nil {
			recorder = a.journal
		}
	}

	a.manager = checkpoint.NewManager(backend, a.versions, checkpoint.Options{
		MetaDir:  a.config.Rel(a.config.MetaDir),
		Fallback: git.Identity{Name: a.config.Fallback.Name, Email: a.config.Fallback.Email},
		Recorder: recorder,
		Logger:   a.logger,
	})
}

// Shutdown releases the journal
func (a *App) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.journal != nil {
		if err := a.journal.Close(); err != nil && a.logger != nil {
			a.logger.Warn("failed to close journal", "error", err)
		}
		a.journal = nil
	}
}

// requireRepo returns the open repository or ErrNotInitialized
func (a *App) requireRepo() (*git.Repo, error) {
	if a.repo == nil {
		return nil, errors.Wrapf(errors.ErrNotInitialized, "%s", a.config.ProjectRoot)
	}
	return a.repo, nil
}
