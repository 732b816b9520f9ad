package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/felixgeelhaar/legacyguard/internal/log"
)

// DefaultSubjectPrefix is prepended to bridged event subjects.
const DefaultSubjectPrefix = "legacyguard.events"

// NATSBridge publishes events to <prefix>.<orchestrationId>.<type>.
type NATSBridge struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSBridge wraps an established connection.
func NewNATSBridge(nc *nats.Conn, prefix string) *NATSBridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSBridge{conn: nc, prefix: prefix}
}

// ConnectNATS dials url with reconnects enabled and connection state logged.
func ConnectNATS(url string, logger *log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent("nats")

	nc, err := nats.Connect(url,
		nats.Name("legacyguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Subject returns the subject for an event.
func (n *NATSBridge) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, ev.OrchestrationID, ev.Type)
}

// Publish implements Publisher.
func (n *NATSBridge) Publish(ev Event) error {
	data, err := ev.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// SubscribeOrchestration delivers every bridged event of one orchestration to fn.
// Undecodable messages are skipped.
func (n *NATSBridge) SubscribeOrchestration(orchestrationID string, fn func(Event)) (*nats.Subscription, error) {
	subject := fmt.Sprintf("%s.%s.*", n.prefix, orchestrationID)
	return n.conn.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := FromJSON(msg.Data)
		if err != nil {
			return
		}
		fn(ev)
	})
}
