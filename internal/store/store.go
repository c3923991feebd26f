// Package store owns the task collection and the active filter. Every public
// operation is one atomic read-compute-publish step; after each effective
// mutation the full state is handed to a background writer.
//
// Durability: a mutation is durable once a later Flush (or Close) returns nil.
// Mutations made after the last completed write are lost if the process exits
// without flushing.
//
// Unreadable state is never silently overwritten. Undecodable bytes are copied
// to <key>.corrupt at Open. When the backend cannot be read at all, the first
// write first copies whatever the key then holds to <key>.backup, and writes
// are held back (Flush reports why) until that copy succeeds.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tasktally/internal/codec"
	"tasktally/internal/domain"
	"tasktally/internal/kv"
)

// DefaultKey is the storage key the full document is written under.
const DefaultKey = "task-storage"

const defaultWriteTimeout = 10 * time.Second

const (
	corruptSuffix = ".corrupt"
	backupSuffix  = ".backup"
)

const (
	ChangeTaskCreated   = "task.created"
	ChangeTaskToggled   = "task.toggled"
	ChangeTaskUpdated   = "task.updated"
	ChangeTaskDeleted   = "task.deleted"
	ChangeTasksCleared  = "tasks.cleared"
	ChangeFilterChanged = "filter.changed"
)

// Change describes one effective mutation.
type Change struct {
	Type    string
	TaskID  string
	Task    domain.Task
	Removed []string
	Filter  domain.Filter
}

type Options struct {
	// Key defaults to DefaultKey.
	Key string
	// EphemeralFilter keeps the filter as session state: it is neither
	// restored at Open nor written on SetFilter.
	EphemeralFilter bool
	WriteTimeout    time.Duration
	Logger          *log.Logger
	Now             func() time.Time
	NewID           func() string
	// OnChange is called once per effective mutation, outside the store lock
	// but in mutation order. It may read the store; it must not mutate it.
	OnChange        func(Change)
	OnPersistError  func(error)
}

type Store struct {
	opts   Options
	logger *log.Logger
	w      *writer

	mu      sync.Mutex
	tasks   []domain.Task
	filter  domain.Filter
	gen     uint64
	closed  bool
	loadErr error

	// OnChange calls are delivered in ticket order; tickets are handed out
	// under mu.
	ticket     uint64
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	delivered  uint64

	closeOnce sync.Once
	closeErr  error
}

// Open reads the saved document once and starts the writer. Unreadable or
// undecodable state is reported through LoadErr and OnPersistError, and the
// store starts empty.
func Open(ctx context.Context, backend kv.Store, opts Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store: backend is required")
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		opts:   opts,
		logger: logger,
		tasks:  []domain.Task{},
		filter: domain.FilterAll,
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	s.w = newWriter(backend, opts.Key, opts.WriteTimeout, logger, opts.OnPersistError)
	s.load(ctx, backend)
	return s, nil
}

func (s *Store) load(ctx context.Context, backend kv.Store) {
	data, err := backend.Get(ctx, s.opts.Key)
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		s.w.guardExisting(s.opts.Key + backupSuffix)
		s.loadFailed(fmt.Errorf("read %s: %w", s.opts.Key, err))
		return
	}
	doc, err := codec.Decode(data)
	if err != nil {
		backup := s.opts.Key + corruptSuffix
		if berr := backend.Set(ctx, backup, data); berr != nil {
			s.logger.Printf("store: back up unreadable state to %s: %v", backup, berr)
		}
		s.loadFailed(fmt.Errorf("decode %s: %w", s.opts.Key, err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = doc.State.Tasks
	if !s.opts.EphemeralFilter && doc.State.Filter != "" {
		s.filter = doc.State.Filter
	}
	if n := s.rekeyDuplicatesLocked(); n > 0 {
		s.logger.Printf("store: assigned new ids to %d tasks with duplicate or empty ids", n)
		s.persistLocked()
	}
}

func (s *Store) loadFailed(err error) {
	s.loadErr = err
	s.logger.Printf("store: starting with no tasks: %v", err)
	if s.opts.OnPersistError != nil {
		s.opts.OnPersistError(err)
	}
}

// rekeyDuplicatesLocked gives every task whose id is empty or already used by
// an earlier task a fresh id.
func (s *Store) rekeyDuplicatesLocked() int {
	used := make(map[string]bool, len(s.tasks))
	for _, t := range s.tasks {
		used[t.ID] = true
	}
	seen := make(map[string]bool, len(s.tasks))
	n := 0
	for i := range s.tasks {
		id := s.tasks[i].ID
		if id != "" && !seen[id] {
			seen[id] = true
			continue
		}
		fresh := s.opts.NewID()
		for fresh == "" || used[fresh] {
			fresh = uuid.NewString()
		}
		used[fresh] = true
		seen[fresh] = true
		s.tasks[i].ID = fresh
		n++
	}
	return n
}

// LoadErr reports why the saved state could not be restored, or nil.
func (s *Store) LoadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// AddTask prepends a new task. A blank title is ignored.
func (s *Store) AddTask(title, tag string) (domain.Task, bool) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Task{}, false
	}
	s.mu.Lock()
	t := domain.Task{
		ID:        s.newIDLocked(),
		Title:     title,
		CreatedAt: s.opts.Now().UnixMilli(),
		Tag:       tag,
	}
	tasks := make([]domain.Task, 0, len(s.tasks)+1)
	tasks = append(tasks, t)
	s.tasks = append(tasks, s.tasks...)
	s.persistLocked()
	s.unlockAndNotify(Change{Type: ChangeTaskCreated, TaskID: t.ID, Task: t})
	return t, true
}

func (s *Store) newIDLocked() string {
	id := s.opts.NewID()
	for id == "" || s.indexLocked(id) >= 0 {
		id = uuid.NewString()
	}
	return id
}

// ToggleTask flips the completion state. Only the false->true transition
// bumps CompletionCount.
func (s *Store) ToggleTask(id string) (domain.Task, bool) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return domain.Task{}, false
	}
	t := &s.tasks[i]
	if !t.Completed {
		t.CompletionCount++
	}
	t.Completed = !t.Completed
	out := *t
	s.persistLocked()
	s.unlockAndNotify(Change{Type: ChangeTaskToggled, TaskID: id, Task: out})
	return out, true
}

func (s *Store) DeleteTask(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	removed := s.tasks[i]
	tasks := make([]domain.Task, 0, len(s.tasks)-1)
	tasks = append(tasks, s.tasks[:i]...)
	s.tasks = append(tasks, s.tasks[i+1:]...)
	s.persistLocked()
	s.unlockAndNotify(Change{Type: ChangeTaskDeleted, TaskID: id, Task: removed})
	return true
}

// UpdateTask replaces the stored task with the same id wholesale. Nothing is
// inserted when the id is unknown. Callers keep fields they do not mean to
// change, CreatedAt and CompletionCount included.
func (s *Store) UpdateTask(t domain.Task) bool {
	s.mu.Lock()
	i := s.indexLocked(t.ID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.tasks[i] = t
	s.persistLocked()
	s.unlockAndNotify(Change{Type: ChangeTaskUpdated, TaskID: t.ID, Task: t})
	return true
}

// EditTask replaces the task with id by fn's result in one step, so no other
// mutation can land between reading the task and writing it back. The id is
// kept whatever fn returns. ok is false when id is unknown; an error from fn
// leaves the task untouched.
func (s *Store) EditTask(id string, fn func(domain.Task) (domain.Task, error)) (domain.Task, bool, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return domain.Task{}, false, nil
	}
	out, err := fn(s.tasks[i])
	if err != nil {
		s.mu.Unlock()
		return domain.Task{}, true, err
	}
	out.ID = id
	s.tasks[i] = out
	s.persistLocked()
	s.unlockAndNotify(Change{Type: ChangeTaskUpdated, TaskID: id, Task: out})
	return out, true, nil
}

func (s *Store) SetFilter(f domain.Filter) {
	f = domain.ParseFilter(string(f))
	s.mu.Lock()
	s.filter = f
	if !s.opts.EphemeralFilter {
		s.persistLocked()
	}
	s.unlockAndNotify(Change{Type: ChangeFilterChanged, Filter: f})
}

// ClearCompletedTasks drops every completed task, keeping the order of the
// rest, and returns how many were removed.
func (s *Store) ClearCompletedTasks() int {
	s.mu.Lock()
	kept := make([]domain.Task, 0, len(s.tasks))
	var removed []string
	for _, t := range s.tasks {
		if t.Completed {
			removed = append(removed, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.tasks = kept
	s.persistLocked()
	s.unlockAndNotify(Change{Type: ChangeTasksCleared, Removed: removed})
	return len(removed)
}

// Tasks returns a copy of the collection, newest first.
func (s *Store) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task{}, s.tasks...)
}

func (s *Store) Task(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.tasks[i], true
	}
	return domain.Task{}, false
}

func (s *Store) Filter() domain.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// FilteredTasks applies the current filter to the collection.
func (s *Store) FilteredTasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FilterTasks(s.tasks, s.filter)
}

func (s *Store) Stats() domain.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ComputeStats(s.tasks)
}

// Flush waits until the current state has been written and returns the write
// error, if any. A previously failed write is retried with fresh state.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	if !s.closed && s.w.failed(gen) {
		s.persistLocked()
		gen = s.gen
	}
	s.mu.Unlock()
	return s.w.wait(ctx, gen)
}

// Close flushes and stops the writer. Later mutations stay in memory only.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		err := s.Flush(ctx)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if cerr := s.w.close(ctx); err == nil {
			err = cerr
		}
		s.closeErr = err
	})
	return s.closeErr
}

func (s *Store) indexLocked(id string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) stateLocked() domain.State {
	st := domain.State{Tasks: s.tasks}
	if !s.opts.EphemeralFilter {
		st.Filter = s.filter
	}
	return st
}

func (s *Store) persistLocked() {
	if s.closed {
		return
	}
	data, err := codec.Encode(s.stateLocked())
	if err != nil {
		s.logger.Printf("store: %v", err)
		if s.opts.OnPersistError != nil {
			s.opts.OnPersistError(err)
		}
		return
	}
	s.gen++
	s.w.submit(s.gen, data)
}

// unlockAndNotify releases mu and reports c once every earlier change has
// been reported. Must be called with mu held.
func (s *Store) unlockAndNotify(c Change) {
	if s.opts.OnChange == nil {
		s.mu.Unlock()
		return
	}
	s.ticket++
	turn := s.ticket
	s.mu.Unlock()

	s.notifyMu.Lock()
	for s.delivered != turn-1 {
		s.notifyCond.Wait()
	}
	s.notifyMu.Unlock()
	defer func() {
		s.notifyMu.Lock()
		s.delivered = turn
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()
	s.opts.OnChange(c)
}
