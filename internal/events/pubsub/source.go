// Package pubsub feeds the in-process event bus from a Google Cloud Pub/Sub
// subscription, for deployments where the execution engine runs out of
// process and publishes its lifecycle events as JSON envelopes.
package pubsub

import (
	"context"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/events"
)

// Source receives engine events from a Pub/Sub subscription and republishes
// them onto the bus. Ordering within a run relies on the subscription being
// configured with ordering keys; the aggregators additionally reject stale
// runs by identifier, so occasional reordering across runs is tolerated.
type Source struct {
	client *gpubsub.Client
	sub    *gpubsub.Subscription
	bus    *events.Bus
	logger *zap.Logger
}

// New connects to Pub/Sub using Application Default Credentials and verifies
// the subscription exists before returning.
func New(ctx context.Context, projectID, subscriptionID string, bus *events.Bus, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := gpubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after existence check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub subscription %q: %w", subscriptionID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after missing subscription", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subscriptionID, projectID)
	}
	return &Source{client: client, sub: sub, bus: bus, logger: logger}, nil
}

// Run blocks receiving messages until ctx is cancelled. Messages that fail to
// decode are acked and dropped; the bus performs its own validation on top.
func (s *Source) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(_ context.Context, msg *gpubsub.Message) {
		evt, decodeErr := events.Unmarshal(msg.Data)
		if decodeErr != nil {
			s.logger.Warn("dropping undecodable engine event", zap.Error(decodeErr))
			msg.Ack()
			return
		}
		s.bus.Publish(evt)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close releases the underlying client connection.
func (s *Source) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
