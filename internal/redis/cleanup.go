package redis

import (
	"context"
	"fmt"
	"time"
)

// CleanupDeadConsumers removes consumers idle for longer than idleTimeout from the group.
// Pending entries of a removed consumer are dropped from the PEL by Redis, so they are
// only removed once they have been claimed by a live consumer.
func (s *Source) CleanupDeadConsumers(ctx context.Context, idleTimeout time.Duration) error {
	consumers, err := s.rdb.XInfoConsumers(ctx, s.stream, s.group).Result()
	if err != nil {
		return fmt.Errorf("failed to get consumers info: %w", err)
	}

	removed := 0
	for _, consumer := range consumers {
		if consumer.Name == s.consumer {
			continue
		}
		if consumer.Idle <= idleTimeout {
			s.log.Debug("Consumer %s on stream %s is active (idle for %s)", consumer.Name, s.stream, consumer.Idle)
			continue
		}
		if consumer.Pending > 0 {
			s.log.Info("Consumer %s on stream %s is idle for %s but still owns %d entries, claiming first",
				consumer.Name, s.stream, consumer.Idle, consumer.Pending)
			continue
		}

		if _, err := s.rdb.XGroupDelConsumer(ctx, s.stream, s.group, consumer.Name).Result(); err != nil {
			s.log.Error("Failed to delete consumer %s from stream %s: %v", consumer.Name, s.stream, err)
			continue
		}
		s.log.Info("Removed dead consumer %s from stream %s (idle for %s)", consumer.Name, s.stream, consumer.Idle)
		removed++
	}

	if removed > 0 {
		s.log.Info("Cleaned up %d dead consumers at %s", removed, time.Now().Format(time.RFC3339))
	}
	return nil
}
