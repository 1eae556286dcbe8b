// Package notifications forwards billing events to external collaborators.
// Delivery is fire-and-forget: a suspension warning that fails to send is
// logged, never retried by the billing core, and never blocks a sweep.
package notifications

import (
	"context"
	"time"

	"github.com/nimbushost/panel/internal/config"
	"github.com/nimbushost/panel/pkg/events"
	"go.uber.org/zap"
)

// Service wires webhook delivery onto the event bus.
type Service struct {
	webhook *WebhookAdapter
	logger  *zap.Logger
}

// NewService creates the notification service. With no webhook URL
// configured the service stays inert.
func NewService(cfg config.NotificationConfig, logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	if cfg.WebhookURL != "" {
		s.webhook = NewWebhookAdapter(cfg.WebhookURL, cfg.WebhookSecret, logger)
	}
	return s
}

// Register subscribes the service to the billing events it forwards.
func (s *Service) Register(bus *events.Bus) {
	if s.webhook == nil {
		s.logger.Info("notifications disabled, no webhook configured")
		return
	}

	// Insufficient funds drives the suspension-warning flow owned by the
	// external notification/suspension collaborator.
	bus.Subscribe(events.EventInsufficientFunds, s.forward)
	bus.Subscribe(events.EventInstanceDeleted, s.forward)
}

func (s *Service) forward(ctx context.Context, event events.Event) error {
	sendCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.webhook.Send(sendCtx, event); err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return err
	}
	return nil
}
