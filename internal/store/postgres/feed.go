package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"jobflow/internal/job"
	"log/slog"
)

// Subscribe holds one pooled connection in LISTEN mode and delivers changes
// committed by any writer. Notifications sent while no listener is connected
// are not replayed.
func (s *Store) Subscribe(ctx context.Context, fn job.ChangeHandler) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	// The channel name is validated in Config.Validate.
	if _, err := conn.Exec(ctx, "LISTEN "+s.channel); err != nil {
		return fmt.Errorf("listen %s: %w", s.channel, err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+s.channel)
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		var c job.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			slog.Warn("Dropping undecodable change", "channel", n.Channel, "error", err)
			continue
		}
		if err := fn(ctx, c); err != nil {
			slog.Debug("Change handler failed", "jobId", c.ID, "kind", c.Kind, "error", err)
		}
	}
}
