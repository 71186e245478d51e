// Package notify delivers outbox events recorded alongside repair status
// changes. Delivery runs after commit and never affects the ticket itself.
package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, notification domain.RepairNotification) error
}

type Mailer interface {
	Send(ctx context.Context, email domain.RepairEmail) error
}

// RedisPublisher fans status changes out over a redis pub/sub channel for
// front-desk clients.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, notification domain.RepairNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

type LogPublisher struct {
	Logger logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, notification domain.RepairNotification) error {
	p.Logger.WithFields(logrus.Fields{
		"module":     "notify",
		"repair_id":  notification.RepairID,
		"old_status": notification.OldStatus,
		"new_status": notification.NewStatus,
	}).Info(notification.Message)
	return nil
}

// LogMailer records outgoing mail instead of sending it.
type LogMailer struct {
	Logger logrus.FieldLogger
}

func (m LogMailer) Send(_ context.Context, email domain.RepairEmail) error {
	m.Logger.WithFields(logrus.Fields{
		"module":    "notify",
		"repair_id": email.RepairID,
		"to":        email.To,
		"subject":   email.Subject,
	}).Info("repair email queued for delivery")
	return nil
}
