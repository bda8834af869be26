package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBridge forwards bus events to NATS subjects "<prefix>.<event type>".
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// DialNATS connects to url and returns a bridge publishing under prefix.
func DialNATS(url, prefix string, logger *zap.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("dispatch-dashboard"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBridge{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the NATS subject for an event type.
func (n *NATSBridge) Subject(typ string) string {
	return n.prefix + "." + typ
}

// PublishEvent sends one event as JSON.
func (n *NATSBridge) PublishEvent(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	if err := n.nc.Publish(n.Subject(ev.Type), payload); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}
	return nil
}

// Forward relays every bus event until ctx is done, then flushes.
func (n *NATSBridge) Forward(ctx context.Context, bus *Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			if err := n.nc.FlushTimeout(2 * time.Second); err != nil {
				n.logger.Warn("nats flush failed", zap.Error(err))
			}
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := n.PublishEvent(ev); err != nil {
				n.logger.Warn("nats publish failed", zap.String("type", ev.Type), zap.Error(err))
			}
		}
	}
}

// Healthy reports whether the connection is up.
func (n *NATSBridge) Healthy() bool { return n.nc.IsConnected() }

func (n *NATSBridge) Close() { n.nc.Close() }
