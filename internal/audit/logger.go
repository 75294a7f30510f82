// Package audit records authentication events and authorization decisions in an
// append-only, hash-chained log without blocking the decision path.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/ids"
	"wattguard.io/internal/obs"
)

// Config controls queueing and retry behavior.
type Config struct {
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
	// Publisher, when set, receives every entry after it has been sealed and persisted.
	Publisher Publisher
}

// Publisher observes persisted entries.
type Publisher interface {
	Publish(entry auth.AuditEntry)
}

func (c *Config) normalize() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
}

// Logger persists entries from a bounded queue on a single writer goroutine. Persistence
// failures raise an operational alert and are never returned to the recorder.
type Logger struct {
	store     auth.AuditStore
	cfg       Config
	now       func() time.Time
	ch        chan auth.AuditEntry
	done      chan struct{}
	wg        sync.WaitGroup
	// mu orders enqueues before Close: once closed is set no sender is mid-send.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	degraded  atomic.Uint64
	written   atomic.Uint64
}

// New starts a Logger writing to store.
func New(store auth.AuditStore, cfg Config) *Logger {
	cfg.normalize()
	l := &Logger{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		ch:    make(chan auth.AuditEntry, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record enqueues entry without waiting for persistence. Missing id, timestamp and request
// id are filled in.
func (l *Logger) Record(ctx context.Context, entry auth.AuditEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = l.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.OccurredAt)
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	entry.Action = strings.TrimSpace(entry.Action)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.degrade(entry, errors.New("audit logger closed"), "dropped")
		return
	}
	select {
	case l.ch <- entry:
		obs.SetAuditQueueDepth(len(l.ch))
	default:
		l.degrade(entry, errors.New("audit queue full"), "dropped")
	}
}

// Degraded returns how many entries could not be persisted.
func (l *Logger) Degraded() uint64 { return l.degraded.Load() }

// Written returns how many entries were persisted.
func (l *Logger) Written() uint64 { return l.written.Load() }

// Close stops accepting entries and drains the queue.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		l.wg.Wait()
	})
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.ch:
			l.persist(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					l.persist(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) persist(entry auth.AuditEntry) {
	obs.SetAuditQueueDepth(len(l.ch))
	var err error
	backoff := l.cfg.RetryBackoff
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		e := entry
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
		err = l.store.Append(ctx, &e)
		cancel()
		if err == nil && l.cfg.Publisher != nil {
			l.cfg.Publisher.Publish(e)
		}
		// A conflict on retry means an earlier attempt landed.
		if err == nil || (attempt > 0 && errors.Is(err, auth.ErrConflict)) {
			l.written.Add(1)
			obs.ObserveAuditWrite("ok")
			return
		}
		obs.ObserveAuditWrite("retry")
	}
	l.degrade(entry, err, "failed")
}

func (l *Logger) degrade(entry auth.AuditEntry, err error, outcome string) {
	l.degraded.Add(1)
	obs.ObserveAuditWrite(outcome)
	obs.Logger().Error("audit write degraded",
		zap.String("alert", "audit_write_degraded"),
		zap.Error(errors.Join(auth.ErrAuditWriteDegraded, err)),
		zap.String("entry_id", entry.ID),
		zap.String("action", entry.Action),
		zap.String("decision", entry.Decision),
		zap.String("reason", entry.Reason),
		zap.String("principal_id", entry.PrincipalID),
		zap.String("tenant_id", entry.TenantID),
	)
}
