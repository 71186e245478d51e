package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

const (
	DefaultBatchSize       = 50
	DefaultMaxAttempts     = 5
	DefaultDeliveryTimeout = 10 * time.Second
	// DefaultLockTTL must outlast one bounded delivery plus its bookkeeping,
	// since the lease is refreshed before every event.
	DefaultLockTTL = 3 * DefaultDeliveryTimeout
)

// Locker guards a dispatch cycle so only one instance delivers at a time.
// A false ok with a nil error means another instance holds the lock.
type Locker interface {
	Acquire(ctx context.Context) (lease Lease, ok bool, err error)
}

// Lease is a held dispatcher lock. Refresh fails once the lock has expired
// or been taken over.
type Lease interface {
	Refresh(ctx context.Context) error
	Release()
}

type RedisLocker struct {
	client *redislock.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: redislock.New(client), key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (Lease, bool, error) {
	lock, err := l.client.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &redisLease{lock: lock, ttl: l.ttl}, true, nil
}

type redisLease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	return l.lock.Refresh(ctx, l.ttl, nil)
}

func (l *redisLease) Release() {
	_ = l.lock.Release(context.Background())
}

type Dispatcher struct {
	repo            store.OutboxRepository
	publisher       Publisher
	mailer          Mailer
	locker          Locker
	log             logrus.FieldLogger
	BatchSize       int
	Interval        time.Duration
	MaxAttempts     int
	DeliveryTimeout time.Duration
	now             func() time.Time
}

func NewDispatcher(repo store.OutboxRepository, publisher Publisher, mailer Mailer, logger logrus.FieldLogger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		repo:            repo,
		publisher:       publisher,
		mailer:          mailer,
		log:             logger.WithField("module", "notify"),
		BatchSize:       DefaultBatchSize,
		Interval:        interval,
		MaxAttempts:     DefaultMaxAttempts,
		DeliveryTimeout: DefaultDeliveryTimeout,
		now:             time.Now,
	}
}

// WithLocker makes every cycle acquire locker first and skip when another
// instance holds it.
func (d *Dispatcher) WithLocker(locker Locker) *Dispatcher {
	d.locker = locker
	return d
}

func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.WithError(err).Warn("outbox dispatch cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.Interval):
		}
	}
}

// ProcessOnce delivers one batch and reports how many events were sent.
// With a locker, the lease is refreshed before each event and the cycle stops
// as soon as the lock is lost.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	var lease Lease
	if d.locker != nil {
		held, ok, err := d.locker.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire dispatcher lock: %w", err)
		}
		if !ok {
			return 0, nil
		}
		lease = held
		defer lease.Release()
	}

	events, err := d.repo.ListDispatchableEvents(ctx, d.BatchSize, d.MaxAttempts)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, event := range events {
		if lease != nil {
			if err := lease.Refresh(ctx); err != nil {
				return sent, fmt.Errorf("dispatcher lock lost: %w", err)
			}
		}
		entry := d.log.WithFields(logrus.Fields{"event_id": event.ID, "kind": event.Kind, "attempt": event.Attempts + 1})

		if deliverErr := d.deliverWithTimeout(ctx, event); deliverErr != nil {
			dead := event.Attempts+1 >= d.MaxAttempts || errors.Is(deliverErr, errPermanent)
			if err := d.repo.MarkEventFailed(ctx, event.ID, deliverErr.Error(), dead); err != nil {
				entry.WithError(err).Error("mark outbox event failed")
				continue
			}
			if dead {
				entry.WithError(deliverErr).Error("outbox event dead-lettered")
			} else {
				entry.WithError(deliverErr).Warn("outbox delivery failed, will retry")
			}
			continue
		}

		if err := d.repo.MarkEventSent(ctx, event.ID, d.now().UTC()); err != nil {
			entry.WithError(err).Error("mark outbox event sent")
			continue
		}
		sent++
	}
	return sent, nil
}

var errPermanent = errors.New("permanent delivery failure")

func (d *Dispatcher) deliverWithTimeout(ctx context.Context, event domain.OutboxEvent) error {
	if d.DeliveryTimeout <= 0 {
		return d.deliver(ctx, event)
	}
	deliverCtx, cancel := context.WithTimeout(ctx, d.DeliveryTimeout)
	defer cancel()
	return d.deliver(deliverCtx, event)
}

func (d *Dispatcher) deliver(ctx context.Context, event domain.OutboxEvent) error {
	switch event.Kind {
	case domain.EventRepairStatusChanged:
		var notification domain.RepairNotification
		if err := json.Unmarshal(event.Payload, &notification); err != nil {
			return fmt.Errorf("%w: decode notification: %v", errPermanent, err)
		}
		return d.publisher.Publish(ctx, notification)
	case domain.EventRepairEmail:
		var email domain.RepairEmail
		if err := json.Unmarshal(event.Payload, &email); err != nil {
			return fmt.Errorf("%w: decode email: %v", errPermanent, err)
		}
		return d.mailer.Send(ctx, email)
	default:
		return fmt.Errorf("%w: unknown event kind %q", errPermanent, event.Kind)
	}
}
