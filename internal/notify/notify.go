package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"diveguard/internal/config"
	"diveguard/internal/domain"
	"diveguard/internal/metrics"
	"diveguard/internal/retry"
	"diveguard/internal/state"

	"github.com/samber/lo"
)

// ChannelSender delivers one event over one channel.
// Params: context and event envelope.
// Returns: transport error when send fails.
type ChannelSender interface {
	Channel() domain.Channel
	Send(ctx context.Context, event domain.Event) error
}

// Dispatcher routes events to channels selected by subscription rows.
// Params: subscription store, channel senders, and per-channel retry policy.
// Returns: fan-out helper used for every lifecycle event.
type Dispatcher struct {
	subscriptions state.SubscriptionStore
	senders       map[domain.Channel]ChannelSender
	retries       map[domain.Channel]config.NotifyRetry
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewDispatcher builds dispatcher over configured senders.
// Params: subscription store, notify config (retry policies), logger, metrics, and senders.
// Returns: dispatcher; channels without a sender fail at dispatch time.
func NewDispatcher(subscriptions state.SubscriptionStore, cfg config.NotifyConfig, logger *slog.Logger, m *metrics.Metrics, senders ...ChannelSender) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		subscriptions: subscriptions,
		senders:       make(map[domain.Channel]ChannelSender, len(senders)),
		retries: map[domain.Channel]config.NotifyRetry{
			domain.ChannelApp:   cfg.App.Retry,
			domain.ChannelEmail: cfg.Email.Retry,
		},
		logger:  logger,
		metrics: m,
	}
	for _, sender := range senders {
		if sender != nil {
			d.senders[sender.Channel()] = sender
		}
	}
	return d
}

// Channels returns channels that have a sender.
func (d *Dispatcher) Channels() []domain.Channel {
	return lo.Filter(domain.Channels(), func(channel domain.Channel, _ int) bool {
		_, ok := d.senders[channel]
		return ok
	})
}

// Dispatch sends event to every channel with an enabled subscription for its type.
// Channels run concurrently; one failing channel never blocks the others.
// Params: context and event envelope.
// Returns: joined per-channel errors; nil when no subscription matches.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event) error {
	subs, err := d.subscriptions.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	channels := lo.Uniq(lo.FilterMap(subs, func(sub domain.Subscription, _ int) (domain.Channel, bool) {
		return sub.Channel, sub.Enabled && (sub.EventType == event.Type || sub.EventType == "*")
	}))
	if len(channels) == 0 {
		d.logger.Debug("event has no subscribers", "event_id", event.ID, "event_type", event.Type)
		return nil
	}

	errs := make([]error, len(channels))
	var wg sync.WaitGroup
	for i, channel := range channels {
		sender, ok := d.senders[channel]
		if !ok {
			errs[i] = fmt.Errorf("notify channel %q is not configured", channel)
			d.metrics.ObserveNotification(string(channel), errs[i])
			continue
		}
		wg.Add(1)
		go func(i int, sender ChannelSender) {
			defer wg.Done()
			errs[i] = d.send(ctx, sender, event)
		}(i, sender)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, sender ChannelSender, event domain.Event) error {
	channel := sender.Channel()
	_, err := retry.Do(ctx, d.retries[channel], d.logger, string(channel), func(ctx context.Context, _ int) error {
		return sender.Send(ctx, event)
	})
	d.metrics.ObserveNotification(string(channel), err)
	if err != nil {
		d.logger.Error("notify send failed", "channel", channel, "event_id", event.ID, "event_type", event.Type, "error", err)
		return fmt.Errorf("channel %s: %w", channel, err)
	}
	d.logger.Debug("notify sent", "channel", channel, "event_id", event.ID, "event_type", event.Type)
	return nil
}
