package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/inventory"
	"repairpos/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorName(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return "system"
	}
	return actor.Username
}

type Options struct {
	SaleUndoWindow     time.Duration
	PurchaseUndoWindow time.Duration
	ExportRowLimit     int
}

type Service struct {
	repo     store.Repository
	stock    *inventory.Aggregator
	validate *validator.Validate
	log      logrus.FieldLogger
	opts     Options
	now      func() time.Time
}

func New(repo store.Repository, stock *inventory.Aggregator, logger logrus.FieldLogger, opts Options) *Service {
	if opts.SaleUndoWindow <= 0 {
		opts.SaleUndoWindow = 24 * time.Hour
	}
	if opts.PurchaseUndoWindow <= 0 {
		opts.PurchaseUndoWindow = 24 * time.Hour
	}
	if opts.ExportRowLimit < 1 {
		opts.ExportRowLimit = 10000
	}

	return &Service{
		repo:     repo,
		stock:    stock,
		validate: newValidator(),
		log:      logger.WithField("module", "service"),
		opts:     opts,
		now:      time.Now,
	}
}

// logAudit records who did what. The undo logs are the durable trail; this
// is the operational one.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields logrus.Fields) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	entry := s.log.WithFields(logrus.Fields{
		"action":      action,
		"entity_type": entityType,
		"entity_id":   entityID,
		"actor":       actor.Username,
		"actor_role":  actor.Role,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Info("audit")
}
