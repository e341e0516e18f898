package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/realtime"
	"github.com/capitalize-ai/jobboard/pkg/metrics"
)

// ChangeFeed publishes row-level change events and serves them to
// realtime subscribers over core NATS subjects.
type ChangeFeed struct {
	client *Client
}

// NewChangeFeed creates a change feed on top of a connected client.
func NewChangeFeed(client *Client) *ChangeFeed {
	return &ChangeFeed{client: client}
}

// Publish wraps record in a change event and publishes it.
func (f *ChangeFeed) Publish(ctx context.Context, table string, kind model.ChangeKind, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", table, err)
	}

	data, err := json.Marshal(model.ChangeEvent{
		Table:      table,
		Kind:       kind,
		Record:     raw,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	if err := f.client.Conn().Publish(realtime.Subject(table, kind), data); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues(table, string(kind)).Inc()
	return nil
}

// Subscribe implements realtime.Transport.
func (f *ChangeFeed) Subscribe(subject string, deliver func(data []byte)) (realtime.Subscription, error) {
	conn := f.client.Conn()
	if conn == nil || conn.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}

	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		deliver(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
