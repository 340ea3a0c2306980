// Package notify delivers escalation events to the outside world. The
// escalation engine only computes events; publishers here move them.
package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"closeloop/internal/config"
	"closeloop/internal/domain"
	"closeloop/internal/logging"
)

type Publisher interface {
	Publish(ctx context.Context, events []domain.EscalationEvent) error
	Close() error
}

// LogPublisher writes one log line per event. It is the fallback when no
// transport is configured.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, events []domain.EscalationEvent) error {
	log := logging.OrNop(p.Log)
	for _, evt := range events {
		log.Info("escalation",
			zap.String("id", evt.ID),
			zap.String("type", evt.Type),
			zap.String("case_id", evt.CaseID),
			zap.Strings("recipients", evt.Recipients),
			zap.String("message", evt.Message))
	}
	return nil
}

func (LogPublisher) Close() error { return nil }

// Multi fans out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events []domain.EscalationEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the publishers enabled in cfg. The log publisher is
// always included so escalations are visible even without a transport.
func FromConfig(cfg config.NotifyConfig, log *zap.Logger) Publisher {
	pubs := Multi{LogPublisher{Log: log}}
	if cfg.Kafka.Enabled() {
		pubs = append(pubs, NewKafkaPublisher(cfg.Kafka, log))
	}
	for _, hook := range cfg.Webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		pubs = append(pubs, NewWebhookPublisher(hook, log))
	}
	return pubs
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}
