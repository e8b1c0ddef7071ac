package supervisor

import (
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jamsocket/simple-artifact-server/internal/logger"
)

// LifecycleEvent is a best-effort notification the Supervisor publishes
// when a child starts running ("running") and when it exits ("exited");
// no other transition is published. It carries no guarantee of delivery and is
// never required for correctness — see the "durable state" non-goal.
type LifecycleEvent struct {
	State string `json:"state"`
}

// LifecycleEventPublisher fans out lifecycle events to an external
// subscriber. Implementations must not block the run-loop.
type LifecycleEventPublisher interface {
	Publish(event LifecycleEvent)
	Close()
}

// noopPublisher discards every event. Used when no NATS URL is configured.
type noopPublisher struct{}

func (noopPublisher) Publish(LifecycleEvent) {}
func (noopPublisher) Close()                 {}

// NoopPublisher returns a LifecycleEventPublisher that does nothing.
func NoopPublisher() LifecycleEventPublisher { return noopPublisher{} }

// natsPublisher publishes lifecycle events to a fixed NATS subject. A
// connection failure at construction time falls back to a no-op publisher
// rather than failing supervisor startup — lifecycle visibility is a
// convenience, not a dependency.
type natsPublisher struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewNATSPublisher dials url and returns a publisher that emits lifecycle
// events (JSON-encoded) to subject. If the dial fails, it logs a warning
// and returns a no-op publisher so the caller never has to branch on
// whether NATS is configured correctly.
func NewNATSPublisher(url, subject string, log *logger.Logger) LifecycleEventPublisher {
	conn, err := nats.Connect(url)
	if err != nil {
		log.Warn("nats connect failed, lifecycle events disabled", zap.Error(err))
		return NoopPublisher()
	}
	return &natsPublisher{conn: conn, subject: subject, log: log}
}

func (p *natsPublisher) Publish(event LifecycleEvent) {
	data := []byte(`{"state":"` + event.State + `"}`)
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.Warn("nats publish failed", zap.Error(err))
	}
}

func (p *natsPublisher) Close() {
	p.conn.Close()
}
