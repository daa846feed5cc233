package pqlmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateUnstarted State = iota
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ManagerOption customizes a Manager at construction.
type ManagerOption func(*Manager)

// WithEngine replaces the default PostgreSQL engine.
func WithEngine(e Engine) ManagerOption {
	return func(m *Manager) {
		m.engine = e
	}
}

// WithRecorder attaches a ledger that is told about every database created
// and dropped through the Manager.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// Manager owns at most one engine handle and provisions logical databases on it.
//
// Every operation acquires the handle lazily, so Start is optional. After Stop,
// the next operation starts a fresh engine unless Options.SingleUse is set, in
// which case it fails with ErrNotReady.
type Manager struct {
	opts     Options
	engine   Engine
	recorder Recorder

	// mu guards state and handle and is held across engine init so that
	// concurrent first operations initialize exactly once.
	mu       sync.Mutex
	state    State
	handle   Handle
	inflight opTracker

	// view is what State and AdminURI report. It is only written once a
	// transition under mu has finished, so readers never wait on engine I/O.
	viewMu sync.RWMutex
	view   managerView
}

type managerView struct {
	state    State
	adminURI string
}

// New resolves and validates opts and returns an unstarted Manager.
func New(opts Options, mopts ...ManagerOption) (*Manager, error) {
	opts = Resolve(opts)
	if err := opts.Validate(); err != nil {
		return nil, configError("new", err)
	}

	m := &Manager{opts: opts}
	for _, o := range mopts {
		o(m)
	}
	if m.engine == nil {
		m.engine = NewPostgresEngine()
	}
	return m, nil
}

// NewWithRootDir builds an embedded Manager whose data lives under root.
func NewWithRootDir(root string) (*Manager, error) {
	return New(Options{RootPath: root})
}

// Options returns the resolved options.
func (m *Manager) Options() Options {
	return m.opts
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view.state
}

// AdminURI returns the maintenance URI of the live engine, or "" when none is running.
func (m *Manager) AdminURI() string {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view.adminURI
}

// publishLocked copies state and the handle's admin URI into the read view.
// Callers hold mu.
func (m *Manager) publishLocked() {
	v := managerView{state: m.state}
	if m.handle != nil {
		v.adminURI = m.handle.AdminURI()
	}
	m.viewMu.Lock()
	m.view = v
	m.viewMu.Unlock()
}

// Start brings the engine up. It is a no-op when the engine is already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		return nil
	}
	if err := m.checkReusableLocked("start"); err != nil {
		return err
	}
	return m.startLocked(ctx)
}

// Stop waits for in-flight operations, stops the engine and releases the
// handle. The handle is released even when the engine reports a stop error.
// Stop without a running engine is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return nil
	}

	if err := m.inflight.wait(ctx); err != nil {
		return &Error{Kind: ErrOperation, Op: "stop", Err: fmt.Errorf("waiting for in-flight operations: %w", err)}
	}

	h := m.handle
	m.handle = nil
	m.state = StateStopped
	m.publishLocked()

	if err := m.engine.Stop(ctx, h); err != nil {
		log.Error().Err(err).Str("type", string(m.opts.Type)).Msg("Engine stopped with error")
		return &Error{Kind: ErrOperation, Op: "stop", Err: err}
	}

	log.Info().Str("type", string(m.opts.Type)).Msg("Engine stopped")
	return nil
}

// NewDB creates a logical database and returns its connection URI. When name
// is empty the engine picks a unique one.
func (m *Manager) NewDB(ctx context.Context, name string) (string, error) {
	h, done, err := m.acquire(ctx, "new_db")
	if err != nil {
		return "", err
	}
	defer done()

	uri, err := m.engine.NewDB(ctx, h, name)
	if err != nil {
		return "", opError("new_db", "", name, err)
	}

	dbName, err := DatabaseName(uri)
	if err != nil {
		return "", opError("new_db", uri, name, err)
	}
	log.Debug().Str("database", dbName).Str("uri", RedactURI(uri)).Msg("Created database")

	if m.recorder != nil {
		if err := m.recorder.RecordCreated(ctx, dbName, uri); err != nil {
			log.Warn().Err(err).Str("database", dbName).Msg("Failed to record created database")
		}
	}
	return uri, nil
}

// DropDB drops the database addressed by uri. Dropping a database that does
// not exist is an error.
func (m *Manager) DropDB(ctx context.Context, uri string) error {
	name, err := DatabaseName(uri)
	if err != nil {
		return configError("drop_db", err)
	}

	h, done, err := m.acquire(ctx, "drop_db")
	if err != nil {
		return err
	}
	defer done()

	if err := m.engine.DropDB(ctx, h, uri, name); err != nil {
		return opError("drop_db", uri, name, err)
	}
	log.Debug().Str("database", name).Msg("Dropped database")

	if m.recorder != nil {
		if err := m.recorder.RecordDropped(ctx, name); err != nil {
			log.Warn().Err(err).Str("database", name).Msg("Failed to record dropped database")
		}
	}
	return nil
}

// ExecuteSQL runs sql against the database addressed by uri.
func (m *Manager) ExecuteSQL(ctx context.Context, uri, sql string) (*Result, error) {
	name, err := DatabaseName(uri)
	if err != nil {
		return nil, configError("execute_sql", err)
	}

	h, done, err := m.acquire(ctx, "execute_sql")
	if err != nil {
		return nil, err
	}
	defer done()

	res, err := m.engine.ExecuteSQL(ctx, h, uri, sql)
	if err != nil {
		return nil, opError("execute_sql", uri, name, err)
	}
	return res, nil
}

// RunMigrations applies the migration files in dir to the database addressed by uri.
func (m *Manager) RunMigrations(ctx context.Context, uri, dir string) (*MigrationResult, error) {
	name, err := DatabaseName(uri)
	if err != nil {
		return nil, configError("run_migrations", err)
	}

	h, done, err := m.acquire(ctx, "run_migrations")
	if err != nil {
		return nil, err
	}
	defer done()

	res, err := m.engine.Migrate(ctx, h, name, dir)
	if err != nil {
		return nil, opError("run_migrations", uri, name, err)
	}
	log.Debug().
		Str("database", name).
		Int("applied", len(res.Applied)).
		Int("skipped", len(res.Skipped)).
		Msg("Ran migrations")
	return res, nil
}

// ListDBs returns the names of the user databases on the engine.
func (m *Manager) ListDBs(ctx context.Context) ([]string, error) {
	h, done, err := m.acquire(ctx, "list_dbs")
	if err != nil {
		return nil, err
	}
	defer done()

	names, err := m.engine.ListDBs(ctx, h)
	if err != nil {
		return nil, opError("list_dbs", "", "", err)
	}
	return names, nil
}

// HasDB reports whether the database addressed by uri exists.
func (m *Manager) HasDB(ctx context.Context, uri string) (bool, error) {
	name, err := DatabaseName(uri)
	if err != nil {
		return false, configError("has_db", err)
	}

	h, done, err := m.acquire(ctx, "has_db")
	if err != nil {
		return false, err
	}
	defer done()

	ok, err := m.engine.HasDB(ctx, h, name)
	if err != nil {
		return false, opError("has_db", uri, name, err)
	}
	return ok, nil
}

// acquire returns the live handle, initializing the engine when there is none.
// The returned func must be called once the operation is finished.
func (m *Manager) acquire(ctx context.Context, op string) (Handle, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		if err := m.checkReusableLocked(op); err != nil {
			return nil, nil, err
		}
		if err := m.startLocked(ctx); err != nil {
			return nil, nil, err
		}
	}

	m.inflight.add()
	return m.handle, m.inflight.done, nil
}

func (m *Manager) checkReusableLocked(op string) error {
	if m.state == StateStopped && m.opts.SingleUse {
		return &Error{Kind: ErrNotReady, Op: op, Err: errors.New("manager was stopped and is single-use")}
	}
	return nil
}

func (m *Manager) startLocked(ctx context.Context) error {
	log.Debug().Str("type", string(m.opts.Type)).Msg("Initializing engine")

	h, err := m.engine.Init(ctx, m.opts)
	if err != nil {
		return &Error{Kind: ErrInitialization, Op: "init", Err: err}
	}

	if err := m.engine.Start(ctx, h); err != nil {
		if stopErr := m.engine.Stop(context.WithoutCancel(ctx), h); stopErr != nil {
			log.Warn().Err(stopErr).Msg("Failed to clean up engine after start failure")
		}
		return &Error{Kind: ErrInitialization, Op: "start", Err: err}
	}

	m.handle = h
	m.state = StateReady
	m.publishLocked()
	log.Info().
		Str("type", string(m.opts.Type)).
		Str("uri", RedactURI(h.AdminURI())).
		Msg("Engine ready")
	return nil
}

// opTracker counts operations holding the handle so Stop can wait for them.
type opTracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *opTracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *opTracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *opTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
