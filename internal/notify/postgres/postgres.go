// Package postgres implements notify.Channel over a dedicated pgx
// connection's LISTEN/NOTIFY, so the fast-path wakeup (spec §6.2) works
// across separate worker processes sharing one Postgres database. Grounded
// on the jackc/pgx/v5 native connection API used by
// internal/repository/postgres and the pub/sub idiom from the
// ErlanBelekov-dist-job-scheduler example family.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loykin/agenda/internal/notify"
)

const (
	jobChannel   = "agenda_job_notify"
	stateChannel = "agenda_state_notify"
)

// Channel implements notify.Channel using a dedicated, long-lived
// connection (pgx connections used for LISTEN must not be pooled, since
// notifications only arrive while that exact connection is idle and
// waiting).
type Channel struct {
	dsn        string
	workerName string

	mu    sync.RWMutex
	state notify.State
	conn  *pgx.Conn

	cancel context.CancelFunc

	handlersMu    sync.RWMutex
	jobHandlers   map[int]notify.JobHandler
	stateHandlers map[int]notify.StateHandler
	nextID        int
}

// New returns a disconnected Channel bound to dsn, identifying itself as
// workerName for subscribeState self-suppression.
func New(dsn, workerName string) *Channel {
	return &Channel{
		dsn:           dsn,
		workerName:    workerName,
		state:         notify.StateDisconnected,
		jobHandlers:   make(map[int]notify.JobHandler),
		stateHandlers: make(map[int]notify.StateHandler),
	}
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == notify.StateConnected {
		return nil
	}
	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return fmt.Errorf("notify/postgres: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+jobChannel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("notify/postgres: listen %s: %w", jobChannel, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+stateChannel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("notify/postgres: listen %s: %w", stateChannel, err)
	}
	c.conn = conn
	c.state = notify.StateConnected

	listenCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.listen(listenCtx, conn)
	return nil
}

func (c *Channel) listen(ctx context.Context, conn *pgx.Conn) {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("notify/postgres: wait for notification failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		c.dispatch(n)
	}
}

func (c *Channel) dispatch(n *pgx.Notification) {
	switch n.Channel {
	case jobChannel:
		var jn notify.JobNotification
		if err := json.Unmarshal([]byte(n.Payload), &jn); err != nil {
			slog.Warn("notify/postgres: bad job payload", "error", err)
			return
		}
		c.handlersMu.RLock()
		handlers := make([]notify.JobHandler, 0, len(c.jobHandlers))
		for _, h := range c.jobHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(jn)
		}
	case stateChannel:
		var sn notify.StateNotification
		if err := json.Unmarshal([]byte(n.Payload), &sn); err != nil {
			slog.Warn("notify/postgres: bad state payload", "error", err)
			return
		}
		if sn.Source == c.workerName {
			return
		}
		sn.Remote = true
		c.handlersMu.RLock()
		handlers := make([]notify.StateHandler, 0, len(c.stateHandlers))
		for _, h := range c.stateHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(sn)
		}
	}
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != notify.StateConnected {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	c.state = notify.StateDisconnected
	return err
}

func (c *Channel) State() notify.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) Publish(ctx context.Context, n notify.JobNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("notify/postgres: not connected")
	}
	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", jobChannel, string(payload))
	return err
}

func (c *Channel) Subscribe(h notify.JobHandler) notify.Unsubscribe {
	c.handlersMu.Lock()
	id := c.nextID
	c.nextID++
	c.jobHandlers[id] = h
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.jobHandlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Channel) PublishState(ctx context.Context, n notify.StateNotification) error {
	n.Source = c.workerName
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("notify/postgres: not connected")
	}
	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", stateChannel, string(payload))
	return err
}

func (c *Channel) SubscribeState(h notify.StateHandler) notify.Unsubscribe {
	c.handlersMu.Lock()
	id := c.nextID
	c.nextID++
	c.stateHandlers[id] = h
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.stateHandlers, id)
		c.handlersMu.Unlock()
	}
}
