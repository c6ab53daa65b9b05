package mqtt

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
)

// Pool spreads publishes over several connections
type Pool struct {
	clients []Publisher
	next    atomic.Uint64
	size    int
	log     *log.Logger
}

// NewPool opens poolSize publishing connections
func NewPool(cfg *config.MQTTConfig, poolSize int, logger *log.Logger) (*Pool, error) {
	if poolSize < 1 {
		poolSize = 1
	}

	// unique per process so several relay instances can share one configuration
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	baseClientID := fmt.Sprintf("%s-pub-%s-%d", cfg.ClientID, hostname, os.Getpid())

	clients := make([]Publisher, poolSize)
	for i := 0; i < poolSize; i++ {
		clientCfg := *cfg
		clientCfg.ClientID = fmt.Sprintf("%s-%d", baseClientID, i)

		client, err := NewClient(&clientCfg, 0, logger)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = clients[j].Close()
			}
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		clients[i] = client
	}

	return newPool(clients, logger), nil
}

func newPool(clients []Publisher, logger *log.Logger) *Pool {
	return &Pool{
		clients: clients,
		size:    len(clients),
		log:     logger,
	}
}

// Publish publishes using round-robin across connections
func (p *Pool) Publish(ctx context.Context, topic string, payload []byte) error {
	idx := p.next.Add(1) % uint64(p.size) // #nosec G115
	return p.clients[idx].Publish(ctx, topic, payload)
}

// Close closes all connections in the pool
func (p *Pool) Close() error {
	var lastErr error
	for i, client := range p.clients {
		if err := client.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close client %d: %w", i, err)
		}
	}
	return lastErr
}
