package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"tasktally/internal/config"
	"tasktally/internal/db"
	"tasktally/internal/events"
	"tasktally/internal/kv"
	"tasktally/internal/migrate"
	"tasktally/internal/store"
)

// Workspace bundles an open store with the resources backing it.
type Workspace struct {
	Dir    string
	Config *config.Config
	Store  *store.Store
	// Events is nil unless the sqlite backend is used with events enabled.
	Events *events.Log

	db     *sql.DB
	logger *log.Logger
}

type OpenOptions struct {
	Workspace string
	// Config is loaded from the workspace (or defaulted) when nil.
	Config *config.Config
	// Backend overrides config.storage.backend when non-empty.
	Backend string
	Logger  *log.Logger
}

// OpenWorkspace resolves config, opens the configured backend and rehydrates
// the store from it.
func OpenWorkspace(ctx context.Context, opts OpenOptions) (*Workspace, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.Backend != "" {
		copied := *cfg
		copied.Storage.Backend = opts.Backend
		if err := copied.Validate(); err != nil {
			return nil, err
		}
		cfg = &copied
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ws := &Workspace{Dir: opts.Workspace, Config: cfg, logger: logger}

	backend, err := ws.openBackend(ctx)
	if err != nil {
		ws.closeDB()
		return nil, err
	}
	if ws.db != nil && cfg.Events.Enabled {
		ws.Events = &events.Log{DB: ws.db}
	}
	s, err := store.Open(ctx, backend, store.Options{
		Key:             cfg.Storage.Key,
		EphemeralFilter: !cfg.Store.PersistFilter,
		WriteTimeout:    cfg.WriteTimeout(),
		Logger:          logger,
		OnChange:        ws.recordChange,
	})
	if err != nil {
		ws.closeDB()
		return nil, err
	}
	ws.Store = s
	return ws, nil
}

func (w *Workspace) openBackend(ctx context.Context) (kv.Store, error) {
	switch w.Config.Storage.Backend {
	case config.BackendMemory:
		return kv.NewMemory(), nil
	case config.BackendFile:
		return kv.NewFile(w.Config.StorageDir(w.Dir))
	case config.BackendSQLite:
		conn, err := db.Open(db.Config{Workspace: w.Dir})
		if err != nil {
			return nil, err
		}
		w.db = conn
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", db.Path(w.Dir), err)
		}
		return kv.SQLite{DB: conn}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", w.Config.Storage.Backend)
	}
}

func (w *Workspace) recordChange(c store.Change) {
	if w.Events == nil {
		return
	}
	var payload events.Payload
	switch c.Type {
	case store.ChangeTaskCreated:
		payload = events.Payload{"title": c.Task.Title, "tag": c.Task.Tag}
	case store.ChangeTaskToggled:
		payload = events.Payload{"completed": c.Task.Completed, "completion_count": c.Task.CompletionCount}
	case store.ChangeTaskUpdated:
		payload = events.Payload{"title": c.Task.Title, "tag": c.Task.Tag, "notes": c.Task.Notes, "completed": c.Task.Completed}
	case store.ChangeTaskDeleted:
		payload = events.Payload{"title": c.Task.Title}
	case store.ChangeTasksCleared:
		payload = events.Payload{"removed": c.Removed, "count": len(c.Removed)}
	case store.ChangeFilterChanged:
		payload = events.Payload{"filter": c.Filter}
	}
	if err := w.Events.Append(context.Background(), c.Type, c.TaskID, payload); err != nil {
		w.logger.Printf("events: append %s failed: %v", c.Type, err)
	}
}

// Close flushes pending writes and releases the backend.
func (w *Workspace) Close(ctx context.Context) error {
	var err error
	if w.Store != nil {
		err = w.Store.Close(ctx)
	}
	return errors.Join(err, w.closeDB())
}

func (w *Workspace) closeDB() error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}
