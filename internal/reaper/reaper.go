// Package reaper drops provisioned databases that outlived their TTL.
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/saltyorg/pqlmem/internal/catalog"
	"github.com/saltyorg/pqlmem/internal/postgres"
)

const (
	DefaultSchedule    = "@every 1m"
	DefaultParallelism = 4
	DefaultRetention   = 7 * 24 * time.Hour
)

// Store is the part of the catalog the reaper reads and updates
type Store interface {
	OlderThan(ctx context.Context, cutoff time.Time) ([]*catalog.Database, error)
	RecordDropped(ctx context.Context, name string) error
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dropper drops a database by URI
type Dropper interface {
	DropDB(ctx context.Context, uri string) error
}

// Config controls what is reaped and how often
type Config struct {
	// TTL is how long a database may live. Zero disables scheduled reaping.
	TTL time.Duration
	// Schedule is a cron expression, DefaultSchedule when empty.
	Schedule string
	// Parallelism bounds concurrent drops, DefaultParallelism when zero.
	Parallelism int
	// Retention is how long dropped records are kept. Zero keeps them forever.
	Retention time.Duration
	// Timeout bounds a single scheduled pass.
	Timeout time.Duration
}

// Status is a snapshot of the reaper for the status endpoint
type Status struct {
	Running    bool          `json:"running"`
	TTL        time.Duration `json:"ttl"`
	Schedule   string        `json:"schedule"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	LastReaped int           `json:"last_reaped"`
	LastError  string        `json:"last_error,omitempty"`
}

// Reaper periodically drops expired databases
type Reaper struct {
	store   Store
	dropper Dropper
	config  Config
	cron    *cron.Cron
	entryID cron.EntryID

	mu         sync.RWMutex
	running    bool
	lastRun    *time.Time
	lastReaped int
	lastError  string
}

// New creates a reaper. Call Start to begin scheduled passes.
func New(store Store, dropper Dropper, config Config) *Reaper {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultParallelism
	}
	return &Reaper{
		store:   store,
		dropper: dropper,
		config:  config,
		cron:    cron.New(),
	}
}

// Start starts the schedule. With a zero TTL it only logs and returns.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if r.config.TTL <= 0 {
		log.Info().Msg("Reaper disabled (no TTL configured)")
		return nil
	}

	id, err := r.cron.AddFunc(r.config.Schedule, r.scheduledRun)
	if err != nil {
		return err
	}
	r.entryID = id
	r.cron.Start()
	r.running = true

	log.Info().
		Dur("ttl", r.config.TTL).
		Str("schedule", r.config.Schedule).
		Int("parallelism", r.config.Parallelism).
		Msg("Reaper started")

	return nil
}

// Stop stops the schedule and waits for a running pass to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	ctx := r.cron.Stop()
	<-ctx.Done()

	// A later Start registers the schedule again
	r.mu.Lock()
	r.cron.Remove(r.entryID)
	r.entryID = 0
	r.mu.Unlock()

	log.Info().Msg("Reaper stopped")
}

// Status returns the current reaper status
func (r *Reaper) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		Running:    r.running,
		TTL:        r.config.TTL,
		Schedule:   r.config.Schedule,
		LastRun:    r.lastRun,
		LastReaped: r.lastReaped,
		LastError:  r.lastError,
	}
	if r.running && r.entryID != 0 {
		entry := r.cron.Entry(r.entryID)
		if !entry.Next.IsZero() {
			status.NextRun = &entry.Next
		}
	}
	return status
}

// RunOnce drops every database older than the TTL
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	return r.Reap(ctx, time.Now().Add(-r.config.TTL))
}

// Reap drops every live database created before cutoff and returns how many
// were dropped. Databases that are already gone are marked dropped as well.
func (r *Reaper) Reap(ctx context.Context, cutoff time.Time) (int, error) {
	expired, err := r.store.OlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		mu     sync.Mutex
		reaped int
		errs   error
		g      errgroup.Group
	)
	g.SetLimit(r.config.Parallelism)

	for _, d := range expired {
		g.Go(func() error {
			err := r.dropper.DropDB(ctx, d.URI)
			if errors.Is(err, postgres.ErrDatabaseNotFound) {
				log.Debug().Str("database", d.Name).Msg("Expired database already gone")
				err = r.store.RecordDropped(ctx, d.Name)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("database", d.Name).Msg("Failed to reap database")
				errs = multierr.Append(errs, err)
				return nil
			}
			reaped++
			log.Info().Str("database", d.Name).Time("created_at", d.CreatedAt).Msg("Reaped expired database")
			return nil
		})
	}
	_ = g.Wait()

	if r.config.Retention > 0 {
		if n, err := r.store.Purge(ctx, time.Now().Add(-r.config.Retention)); err != nil {
			errs = multierr.Append(errs, err)
		} else if n > 0 {
			log.Debug().Int64("records", n).Msg("Purged old catalog records")
		}
	}

	return reaped, errs
}

func (r *Reaper) scheduledRun() {
	ctx := context.Background()
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	n, err := r.RunOnce(ctx)
	now := time.Now()

	r.mu.Lock()
	r.lastRun = &now
	r.lastReaped = n
	r.lastError = ""
	if err != nil {
		r.lastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Int("reaped", n).Msg("Reaper pass finished with errors")
	}
}
