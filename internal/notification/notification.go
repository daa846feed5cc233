// Package notification delivers database lifecycle events to outside
// endpoints such as generic webhooks and Discord.
package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/pqlmem"
)

// EventType represents the type of event that can trigger a notification
type EventType string

const (
	EventDatabaseCreated EventType = "database_created"
	EventDatabaseDropped EventType = "database_dropped"
	EventTest            EventType = "test"
)

// Event represents a notification event
type Event struct {
	Type      EventType
	Title     string
	Message   string
	Fields    map[string]string
	Timestamp time.Time
}

// Provider is the interface for notification providers
type Provider interface {
	Name() string
	Send(ctx context.Context, event Event) error
	Test(ctx context.Context) error
}

const (
	queueSize   = 100
	sendTimeout = 30 * time.Second
)

// Manager queues events and hands them to every registered provider from a
// single dispatcher goroutine.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
	events    chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool
	failures  int
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		events:    make(chan Event, queueSize),
		stopChan:  make(chan struct{}),
	}
}

// RegisterProvider registers a notification provider. The dispatcher starts
// with the first one.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	wasEmpty := len(m.providers) == 0
	m.providers[p.Name()] = p
	shouldStart := wasEmpty && !m.running
	m.mu.Unlock()

	log.Info().Str("provider", p.Name()).Msg("Registered notification provider")

	if shouldStart {
		m.Start()
	}
}

// ListProviders returns the registered provider names, sorted
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the dispatcher. It reports false when there is nothing to
// dispatch to.
func (m *Manager) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return true
	}
	if len(m.providers) == 0 {
		return false
	}

	m.running = true
	stop := m.stopChan
	m.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Notification dispatcher panicked")
			}
		}()
		m.dispatcher(stop)
	})
	log.Debug().Msg("Notification manager started")
	return true
}

// Stop delivers what is already queued and stops the dispatcher
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Wait()
	log.Debug().Msg("Notification manager stopped")
}

// Failures is the number of failed sends since the manager was created
func (m *Manager) Failures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

// Notify queues an event. Events are dropped when the queue is full.
func (m *Manager) Notify(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case m.events <- event:
	default:
		log.Warn().Str("type", string(event.Type)).Msg("Notification queue full, dropping event")
	}
}

func (m *Manager) dispatcher(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			for {
				select {
				case event := <-m.events:
					m.dispatch(event)
				default:
					return
				}
			}
		case event := <-m.events:
			m.dispatch(event)
		}
	}
}

// dispatch sends an event to all registered providers
func (m *Manager) dispatch(event Event) {
	m.mu.RLock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	for _, provider := range providers {
		if err := provider.Send(ctx, event); err != nil {
			m.mu.Lock()
			m.failures++
			m.mu.Unlock()
			log.Error().
				Err(err).
				Str("provider", provider.Name()).
				Str("event", string(event.Type)).
				Msg("Failed to send notification")
			continue
		}
		log.Debug().
			Str("provider", provider.Name()).
			Str("event", string(event.Type)).
			Msg("Notification sent")
	}
}

// TestProvider sends a test notification to a specific provider
func (m *Manager) TestProvider(ctx context.Context, name string) error {
	m.mu.RLock()
	provider, ok := m.providers[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("provider not found: %s", name)
	}
	return provider.Test(ctx)
}

// NewRecorder returns a ledger that queues a notification for every create
// and drop and then forwards it to next, which may be nil.
func NewRecorder(m *Manager, next pqlmem.Recorder) pqlmem.Recorder {
	return &notifyingRecorder{manager: m, next: next}
}

type notifyingRecorder struct {
	manager *Manager
	next    pqlmem.Recorder
}

func (r *notifyingRecorder) RecordCreated(ctx context.Context, name, uri string) error {
	r.manager.Notify(Event{
		Type:    EventDatabaseCreated,
		Title:   "Database created",
		Message: fmt.Sprintf("Database %s was created", name),
		Fields:  map[string]string{"database": name, "uri": pqlmem.RedactURI(uri)},
	})
	if r.next == nil {
		return nil
	}
	return r.next.RecordCreated(ctx, name, uri)
}

func (r *notifyingRecorder) RecordDropped(ctx context.Context, name string) error {
	r.manager.Notify(Event{
		Type:    EventDatabaseDropped,
		Title:   "Database dropped",
		Message: fmt.Sprintf("Database %s was dropped", name),
		Fields:  map[string]string{"database": name},
	})
	if r.next == nil {
		return nil
	}
	return r.next.RecordDropped(ctx, name)
}

func testEvent(provider string) Event {
	return Event{
		Type:      EventTest,
		Title:     "Test Notification",
		Message:   fmt.Sprintf("This is a test notification from pqlmem. If you see this, %s notifications are working!", provider),
		Timestamp: time.Now(),
		Fields:    map[string]string{"source": "pqlmem", "test": "true"},
	}
}
