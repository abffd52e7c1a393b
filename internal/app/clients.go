package app

import (
	"fmt"
	"strings"

	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/logger"
)

// Clients holds external-transport connections wired once at startup,
// kept separate from Repos/Core the way the teacher separates SaaS
// clients from its repo and service layers.
type Clients struct {
	EventForwarder eventbus.Forwarder
}

// wireClients dials the optional Redis event forwarder. A missing
// REDIS_ADDR disables cross-process event forwarding rather than
// failing startup, matching the teacher's optional-Redis convention in
// its own clients.go.
func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	var out Clients
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		log.Warn("REDIS_ADDR not set; cross-process event forwarding disabled")
		return out, nil
	}

	fwd, err := eventbus.NewRedisForwarder(log, cfg.RedisAddr, cfg.RedisChannel)
	if err != nil {
		return Clients{}, fmt.Errorf("init redis event forwarder: %w", err)
	}
	out.EventForwarder = fwd
	return out, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.EventForwarder != nil {
		_ = c.EventForwarder.Close()
		c.EventForwarder = nil
	}
}
