package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	"github.com/ZeroPathAI/openerrata/internal/service"
)

// QueuedChannel is the Postgres NOTIFY channel carrying queued runs.
const QueuedChannel = "investigation_queued"

type queuedPayload struct {
	InvestigationID int64 `json:"investigation_id"`
	RunID           int64 `json:"run_id"`
}

// NotifyDispatcher publishes queued runs with pg_notify so worker processes
// on other hosts hear about them. Delivery is best effort; the poll loop
// covers notifications sent while no listener was connected.
type NotifyDispatcher struct {
	db      *sqlx.DB
	channel string
}

// NewNotifyDispatcher creates a NotifyDispatcher on QueuedChannel.
func NewNotifyDispatcher(db *sqlx.DB) *NotifyDispatcher {
	return &NotifyDispatcher{db: db, channel: QueuedChannel}
}

// Dispatch sends one notification.
func (d *NotifyDispatcher) Dispatch(ctx context.Context, ev service.QueuedEvent) error {
	payload, err := json.Marshal(queuedPayload{InvestigationID: ev.InvestigationID, RunID: ev.RunID})
	if err != nil {
		return fmt.Errorf("encode queued event: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, d.channel, string(payload)); err != nil {
		return fmt.Errorf("notify queued run %d: %w", ev.RunID, err)
	}
	return nil
}

// Listener forwards notifications from QueuedChannel into a local dispatcher.
type Listener struct {
	dsn     string
	channel string
	local   service.Dispatcher
	logger  *slog.Logger
}

// NewListener creates a Listener that connects to dsn.
func NewListener(dsn string, local service.Dispatcher, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{dsn: dsn, channel: QueuedChannel, local: local, logger: logger}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	for {
		err := l.listen(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		l.logger.Warn("queued-run listener disconnected", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	b.Reset()
	l.logger.Info("listening for queued runs", "channel", l.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var p queuedPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			l.logger.Warn("ignoring malformed queued notification", "payload", n.Payload, "error", err)
			continue
		}
		ev := service.QueuedEvent{InvestigationID: p.InvestigationID, RunID: p.RunID}
		if err := l.local.Dispatch(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("local dispatch failed", "run_id", ev.RunID, "error", err)
		}
	}
}
