package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the NATS subject prefix deploy events are published under.
// The tenant id is appended, e.g. forge.deploys.<tenant id>.
const DefaultSubject = "forge.deploys"

// Event announces a new deploy to whatever pushes policies to devices.
type Event struct {
	DeployID string    `json:"deploy_id"`
	DeployPK uint      `json:"deploy_pk"`
	PolicyID string    `json:"policy_id"`
	PolicyPK uint      `json:"policy_pk"`
	TenantID string    `json:"tenant_id"`
	DoneAt   time.Time `json:"done_at"`
}

// HandlerFunc consumes deploy events.
type HandlerFunc func(ctx context.Context, ev Event) error

// Dispatcher hands a committed deploy over for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// LocalDispatcher delivers events in process by calling Handler directly.
type LocalDispatcher struct {
	Handler HandlerFunc
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, ev Event) error {
	if d.Handler == nil {
		return nil
	}
	return d.Handler(ctx, ev)
}

// NATSDispatcher publishes events on <subject>.<tenant id>.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSDispatcher(conn *nats.Conn, subject string) *NATSDispatcher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSDispatcher{conn: conn, subject: subject}
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal deploy event: %w", err)
	}
	if err := d.conn.Publish(d.subject+"."+ev.TenantID, data); err != nil {
		return fmt.Errorf("failed to publish deploy event: %w", err)
	}
	return nil
}

// Subscribe consumes deploy events for every tenant and passes them to handler.
// Handler errors are logged; the message is not redelivered.
func Subscribe(conn *nats.Conn, subject string, handler HandlerFunc, logger *zap.Logger) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := conn.Subscribe(subject+".*", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("discarding malformed deploy event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := handler(ctx, ev); err != nil {
			logger.Error("failed to handle deploy event",
				zap.String("deploy_id", ev.DeployID),
				zap.String("tenant_id", ev.TenantID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
