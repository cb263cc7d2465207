package redis

import (
	"context"
	"encoding/json"
	"jobflow/internal/job"
	"log/slog"
)

// Subscribe delivers changes published by every store sharing the key prefix.
// Pub/sub is at-most-once: changes published while no subscriber is connected
// are lost, so task-queue retries remain the recovery path.
func (s *Store) Subscribe(ctx context.Context, fn job.ChangeHandler) error {
	pubsub := s.client.Subscribe(ctx, s.changesChannel())
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c job.Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				slog.Warn("Dropping undecodable change", "channel", msg.Channel, "error", err)
				continue
			}
			if err := fn(ctx, c); err != nil {
				slog.Debug("Change handler failed", "jobId", c.ID, "kind", c.Kind, "error", err)
			}
		}
	}
}
