// Package events publishes vault events to NATS subjects.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/log"
	"github.com/luxfi/synth/pkg/synth"
	"github.com/nats-io/nats.go"
)

// Publisher fans vault events out to NATS. A nil Publisher is safe to use
// and drops everything, so callers can run without a broker.
type Publisher struct {
	nc        *nats.Conn
	prefix    string
	logger    log.Logger
	published uint64
}

// NewPublisher connects to NATS at url and publishes under prefix
// (subjects look like "<prefix>.events.mint").
func NewPublisher(url, prefix string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(nats.DefaultReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", url, "prefix", prefix)

	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: logger,
	}, nil
}

// PublishEvent publishes a vault event to "<prefix>.events.<type>".
func (p *Publisher) PublishEvent(ev *synth.Event) {
	if p == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	subject := fmt.Sprintf("%s.events.%s", p.prefix, ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event", "subject", subject, "error", err)
		return
	}
	p.published++
}

// PublishPrice publishes a price update to "<prefix>.prices".
func (p *Publisher) PublishPrice(feedID, ticker string, price uint64) {
	if p == nil {
		return
	}

	data, err := json.Marshal(map[string]interface{}{
		"feedId": feedID,
		"ticker": ticker,
		"price":  price,
	})
	if err != nil {
		return
	}

	subject := fmt.Sprintf("%s.prices", p.prefix)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish price", "subject", subject, "error", err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}
