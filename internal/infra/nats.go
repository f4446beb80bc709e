package infra

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// NewNatsConn connects to the work-queue broker.
func NewNatsConn(cfg *Config) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NatsURL, nats.Name("meshforge"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
