package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSBridge mirrors bus events onto NATS subjects so external consumers
// (analytics, capital allocator, dashboards) can follow the order flow
// without touching the database.
type NATSBridge struct {
	conn *nats.Conn
	log  *logrus.Entry
}

// NewNATSBridge connects to the NATS server at url.
func NewNATSBridge(url string) (*NATSBridge, error) {
	log := logrus.WithField("component", "nats-bridge")
	conn, err := nats.Connect(url,
		nats.Name("execution-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBridge{conn: conn, log: log}, nil
}

// Start subscribes to the bus topics and republishes until ctx is done.
func (b *NATSBridge) Start(ctx context.Context, bus *Bus) {
	topics := []Event{
		EventOrderSubmitted, EventOrderQueued, EventOrderFilled,
		EventOrderCancelled, EventOrderFailed, EventPositionUpdated,
	}
	for _, topic := range topics {
		ch, unsub := bus.Subscribe(topic, 256)
		go func(topic Event, ch <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					b.publish(topic, payload)
				}
			}
		}(topic, ch, unsub)
	}
}

func (b *NATSBridge) publish(topic Event, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Errorf("marshal %s payload: %v", topic, err)
		return
	}
	subject := subjectFor(topic, payload)
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Errorf("publish to %s: %v", subject, err)
	}
}

// subjectFor maps topics onto hierarchical subjects, e.g.
// orders.filled.binance.BTCUSDT.
func subjectFor(topic Event, payload any) string {
	switch ev := payload.(type) {
	case OrderEvent:
		return fmt.Sprintf("%s.%s.%s", string(topic), ev.Exchange, compactSymbol(ev.Symbol))
	case PositionEvent:
		return fmt.Sprintf("%s.%s", string(topic), compactSymbol(ev.Symbol))
	default:
		return string(topic)
	}
}

func compactSymbol(symbol string) string {
	out := make([]rune, 0, len(symbol))
	for _, r := range symbol {
		if r == '/' || r == '.' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Close drains the connection.
func (b *NATSBridge) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
