// Package queue is the client's offline queue. Messages that could not be
// delivered are persisted as ciphertext and retried in the background with
// exponential backoff. Each conversation has its own worker that delivers in
// creation order, so one conversation backing off never holds up another.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/metrics"
	"github.com/atinyakov/hammerchat/internal/models"
)

// DefaultTickInterval is how often the background loop drains without being notified.
const DefaultTickInterval = 30 * time.Second

// Store persists queued messages.
type Store interface {
	PutQueued(item models.QueuedMessage) error
	GetQueued(id string) (models.QueuedMessage, error)
	DeleteQueued(id string) error
	ListQueued() ([]models.QueuedMessage, error)
}

// Sender delivers a queued message to the message store.
type Sender interface {
	Deliver(ctx context.Context, item models.QueuedMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, item models.QueuedMessage) error

// Deliver calls f.
func (f SenderFunc) Deliver(ctx context.Context, item models.QueuedMessage) error {
	return f(ctx, item)
}

// Queue is the offline queue.
type Queue struct {
	store   Store
	sender  Sender
	log     *zap.Logger
	metrics *metrics.Queue
	backoff Backoff
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	tick    time.Duration

	onFailed    func(models.QueuedMessage)
	onDelivered func(models.QueuedMessage)

	wake chan struct{}

	// mu guards the per-conversation worker bookkeeping.
	mu     sync.Mutex
	active map[string]bool
	rerun  map[string]bool
	// storeMu serializes read-modify-write of single items between the
	// drain and Retry/Discard.
	storeMu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(log *zap.Logger) Option { return func(q *Queue) { q.log = log } }

func WithMetrics(m *metrics.Queue) Option { return func(q *Queue) { q.metrics = m } }

func WithBackoff(b Backoff) Option { return func(q *Queue) { q.backoff = b } }

// WithSleep replaces the timer used between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) { q.sleep = sleep }
}

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithTickInterval(d time.Duration) Option { return func(q *Queue) { q.tick = d } }

// WithFailureHandler is called once for every item that becomes failed.
func WithFailureHandler(fn func(models.QueuedMessage)) Option {
	return func(q *Queue) { q.onFailed = fn }
}

// WithDeliveryHandler is called for every queued item the store confirms.
func WithDeliveryHandler(fn func(models.QueuedMessage)) Option {
	return func(q *Queue) { q.onDelivered = fn }
}

// New creates a queue over store that delivers through sender.
func New(store Store, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		sender:  sender,
		log:     zap.NewNop(),
		metrics: metrics.NewQueue(nil),
		backoff: DefaultBackoff,
		sleep:   sleepCtx,
		now:     time.Now,
		tick:    DefaultTickInterval,
		wake:    make(chan struct{}, 1),
		active:  make(map[string]bool),
		rerun:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists an already encrypted message as pending. An empty id is
// replaced with a new UUID.
func (q *Queue) Enqueue(id, conversationID string, payload models.EncryptedPayload) (models.QueuedMessage, error) {
	if conversationID == "" {
		return models.QueuedMessage{}, apperr.New(apperr.Validation, "conversation id is required")
	}
	if payload.Ciphertext == "" || payload.IV == "" {
		return models.QueuedMessage{}, apperr.New(apperr.Validation, "only encrypted payloads can be queued")
	}
	if id == "" {
		id = uuid.NewString()
	}
	item := models.QueuedMessage{
		ID:                   id,
		ConversationID:       conversationID,
		EncryptedContent:     payload.Ciphertext,
		InitializationVector: payload.IV,
		KeyVersion:           payload.KeyVersion,
		Status:               models.StatusPending,
		CreatedAt:            q.now().UTC(),
	}
	q.storeMu.Lock()
	err := q.store.PutQueued(item)
	q.storeMu.Unlock()
	if err != nil {
		return models.QueuedMessage{}, apperr.Wrap(apperr.Unknown, "update offline queue", err)
	}
	q.metrics.EnqueuedTotal.Inc()
	q.refreshGauges()
	q.log.Info("message queued", zap.String("id", id), zap.String("conversation_id", conversationID))
	q.Notify()
	return item, nil
}

// Items returns every queued item in creation order.
func (q *Queue) Items() ([]models.QueuedMessage, error) {
	items, err := q.store.ListQueued()
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, "read offline queue", err)
	}
	return items, nil
}

// Failed returns the items that exhausted their retries.
func (q *Queue) Failed() ([]models.QueuedMessage, error) {
	items, err := q.Items()
	if err != nil {
		return nil, err
	}
	var failed []models.QueuedMessage
	for _, it := range items {
		if it.Status == models.StatusFailed {
			failed = append(failed, it)
		}
	}
	return failed, nil
}

// HasPending reports whether the conversation has undelivered items, failed
// ones included. New messages of such a conversation must be queued behind them.
func (q *Queue) HasPending(conversationID string) (bool, error) {
	items, err := q.Items()
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.ConversationID == conversationID && it.Status != models.StatusSynced {
			return true, nil
		}
	}
	return false, nil
}

// Retry moves a failed item back to pending with a fresh retry budget.
func (q *Queue) Retry(id string) error {
	q.storeMu.Lock()
	item, err := q.find(id)
	if err != nil {
		q.storeMu.Unlock()
		return err
	}
	if item.Status != models.StatusFailed {
		q.storeMu.Unlock()
		return apperr.New(apperr.Conflict, fmt.Sprintf("message %s is %s, not failed", id, item.Status))
	}
	item.Status = models.StatusPending
	item.Retries = 0
	item.LastError = ""
	err = q.store.PutQueued(item)
	q.storeMu.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.Unknown, "update offline queue", err)
	}
	q.refreshGauges()
	q.Notify()
	return nil
}

// Discard removes an item from the queue. The message is never delivered.
func (q *Queue) Discard(id string) error {
	q.storeMu.Lock()
	item, err := q.find(id)
	if err != nil {
		q.storeMu.Unlock()
		return err
	}
	err = q.store.DeleteQueued(id)
	q.storeMu.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.Unknown, "update offline queue", err)
	}
	q.refreshGauges()
	q.log.Info("queued message discarded", zap.String("id", id), zap.String("status", string(item.Status)))
	// later items of the conversation may have been waiting on this one
	q.Notify()
	return nil
}

// Notify wakes the background loop. It never blocks.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start runs the background loop until ctx is done. Every wake-up starts a
// worker for each conversation that has none, so a conversation waiting out
// its backoff does not delay the others. Cancelling ctx cancels the retry
// timers, and Start returns once all workers have stopped.
func (q *Queue) Start(ctx context.Context) {
	var workers errgroup.Group
	defer func() { _ = workers.Wait() }()

	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		if err := q.dispatch(ctx, &workers); err != nil {
			q.log.Error("offline queue dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// Drain delivers every pending item and waits for the result. Conversations
// drain concurrently; within a conversation items go out in creation order and
// a failed item blocks the ones behind it until it is retried or discarded.
// A conversation that already has a running worker is left to that worker.
// An error in one conversation does not stop the others; the first one is
// returned.
func (q *Queue) Drain(ctx context.Context) error {
	var workers errgroup.Group
	if err := q.dispatch(ctx, &workers); err != nil {
		return err
	}
	return workers.Wait()
}

// dispatch starts a worker in g for every queued conversation without one.
func (q *Queue) dispatch(ctx context.Context, g *errgroup.Group) error {
	items, err := q.store.ListQueued()
	if err != nil {
		return fmt.Errorf("list offline queue: %w", err)
	}
	seen := make(map[string]bool)
	for _, it := range items {
		conversationID := it.ConversationID
		if seen[conversationID] {
			continue
		}
		seen[conversationID] = true
		if !q.claim(conversationID) {
			continue
		}
		g.Go(func() error {
			return q.runConversation(ctx, conversationID)
		})
	}
	return nil
}

// claim marks the conversation as having a worker. When one is already
// running it is asked to look at the queue again before it exits.
func (q *Queue) claim(conversationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[conversationID] {
		q.rerun[conversationID] = true
		return false
	}
	q.active[conversationID] = true
	return true
}

// release ends the conversation's worker unless it was asked to rerun.
func (q *Queue) release(conversationID string, force bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !force && q.rerun[conversationID] {
		delete(q.rerun, conversationID)
		return false
	}
	delete(q.active, conversationID)
	delete(q.rerun, conversationID)
	return true
}

func (q *Queue) runConversation(ctx context.Context, conversationID string) error {
	defer q.refreshGauges()
	for {
		err := q.drainConversation(ctx, conversationID)
		if err != nil {
			q.release(conversationID, true)
			if !errors.Is(err, context.Canceled) {
				q.log.Error("offline queue drain failed",
					zap.String("conversation_id", conversationID), zap.Error(err))
			}
			return err
		}
		if q.release(conversationID, false) {
			return nil
		}
	}
}

func (q *Queue) refreshGauges() {
	items, err := q.store.ListQueued()
	if err != nil {
		return
	}
	var pending, failed int
	for _, it := range items {
		switch it.Status {
		case models.StatusFailed:
			failed++
		case models.StatusPending, models.StatusSyncing:
			pending++
		}
	}
	q.metrics.Pending.Set(float64(pending))
	q.metrics.Failed.Set(float64(failed))
}

// drainConversation delivers the conversation's items until it is empty or
// blocked. The queue is read again after every item so that messages queued
// meanwhile are picked up in order.
func (q *Queue) drainConversation(ctx context.Context, conversationID string) error {
	for {
		item, ok, err := q.head(conversationID)
		if err != nil || !ok {
			return err
		}
		if err := q.deliver(ctx, item); err != nil {
			return err
		}
	}
}

// head returns the oldest undelivered item of the conversation. ok is false
// when there is none or the oldest one has failed.
func (q *Queue) head(conversationID string) (models.QueuedMessage, bool, error) {
	items, err := q.store.ListQueued()
	if err != nil {
		return models.QueuedMessage{}, false, fmt.Errorf("list offline queue: %w", err)
	}
	for _, it := range items {
		if it.ConversationID != conversationID {
			continue
		}
		switch it.Status {
		case models.StatusFailed:
			return it, false, nil
		case models.StatusSynced:
			// confirmed before a crash, never removed
			if err := q.remove(it.ID); err != nil {
				return models.QueuedMessage{}, false, err
			}
			continue
		}
		return it, true, nil
	}
	return models.QueuedMessage{}, false, nil
}

// deliver attempts item until it is delivered, fails, is discarded, or ctx ends.
func (q *Queue) deliver(ctx context.Context, item models.QueuedMessage) error {
	log := q.log.With(zap.String("id", item.ID), zap.String("conversation_id", item.ConversationID))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item.Status = models.StatusSyncing
		if ok, err := q.update(item); !ok {
			return err
		}

		sendErr := q.sender.Deliver(ctx, item)
		if sendErr == nil {
			item.Status = models.StatusSynced
			item.Synced = true
			item.LastError = ""
			if err := q.remove(item.ID); err != nil {
				return err
			}
			q.metrics.AttemptsTotal.WithLabelValues("synced").Inc()
			log.Info("queued message delivered", zap.Int("retries", item.Retries))
			if q.onDelivered != nil {
				q.onDelivered(item)
			}
			return nil
		}
		if ctx.Err() != nil {
			item.Status = models.StatusPending
			_, _ = q.update(item)
			return ctx.Err()
		}

		item.LastError = apperr.MessageOf(sendErr)
		if apperr.KindOf(sendErr) == apperr.Authentication || item.Retries >= q.backoff.MaxRetries {
			item.Status = models.StatusFailed
			if ok, err := q.update(item); !ok {
				return err
			}
			q.metrics.AttemptsTotal.WithLabelValues("failed").Inc()
			log.Warn("queued message failed", zap.Int("retries", item.Retries), zap.Error(sendErr))
			if q.onFailed != nil {
				q.onFailed(item)
			}
			return nil
		}

		item.Retries++
		item.Status = models.StatusPending
		if ok, err := q.update(item); !ok {
			return err
		}
		q.metrics.AttemptsTotal.WithLabelValues("retry").Inc()
		delay := q.backoff.Delay(item.Retries)
		log.Debug("queued message retry scheduled",
			zap.Int("retry", item.Retries), zap.Duration("delay", delay), zap.Error(sendErr))
		if err := q.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// update writes item if it is still queued. It reports false when the item
// was discarded meanwhile or the write failed.
func (q *Queue) update(item models.QueuedMessage) (bool, error) {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	if _, err := q.find(item.ID); err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			q.log.Info("queued message discarded during delivery", zap.String("id", item.ID))
			return false, nil
		}
		return false, err
	}
	if err := q.store.PutQueued(item); err != nil {
		return false, apperr.Wrap(apperr.Unknown, "update offline queue", err)
	}
	return true, nil
}

func (q *Queue) remove(id string) error {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	if err := q.store.DeleteQueued(id); err != nil {
		return apperr.Wrap(apperr.Unknown, "update offline queue", err)
	}
	return nil
}

func (q *Queue) find(id string) (models.QueuedMessage, error) {
	item, err := q.store.GetQueued(id)
	if err == nil {
		return item, nil
	}
	if apperr.KindOf(err) == apperr.NotFound {
		return item, err
	}
	return item, apperr.Wrap(apperr.Unknown, "read offline queue", err)
}
