// Package nats implements the NATS request/reply transport for voicebox.
//
// Instances join a queue group on the configured subject, so requests are
// spread across replicas. Each request carries a SynthesisRequest as JSON
// and is answered on its reply subject with either a SynthesisResponse or
// {"detail", "status"}.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nadzzz/voicebox/internal/config"
	"github.com/nadzzz/voicebox/internal/message"
	"github.com/nadzzz/voicebox/internal/synth"
	"github.com/nadzzz/voicebox/internal/transport"
)

// RequestIDHeader carries the request id on request and reply messages.
const RequestIDHeader = "X-Request-ID"

// Transport implements transport.Transport over NATS.
type Transport struct {
	cfg config.NATSConfig

	mu      sync.Mutex
	conn    *nats.Conn
	sub     *nats.Subscription
	closing bool

	sem      chan struct{} // nil when MaxInFlight is zero
	inflight sync.WaitGroup
}

// New creates a new NATS transport.
func New(cfg config.NATSConfig) *Transport {
	t := &Transport{cfg: cfg}
	if cfg.MaxInFlight > 0 {
		t.sem = make(chan struct{}, cfg.MaxInFlight)
	}
	return t
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "nats" }

// Listen connects to the server, joins the queue group and serves requests
// until the context is cancelled.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	conn, err := nats.Connect(t.cfg.URL,
		nats.Name("voicebox"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	sub, err := conn.QueueSubscribe(t.cfg.Subject, t.cfg.Queue, func(msg *nats.Msg) {
		t.dispatch(ctx, msg, handler)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", t.cfg.Subject, err)
	}

	t.mu.Lock()
	t.conn, t.sub = conn, sub
	t.mu.Unlock()

	slog.Info("nats transport listening", "url", t.cfg.URL, "subject", t.cfg.Subject, "queue", t.cfg.Queue)

	<-ctx.Done()
	slog.Info("nats transport shutting down")
	return t.Close()
}

// dispatch hands the message to a worker goroutine. With MaxInFlight set it
// blocks the subscription while that many requests are already running.
// Workers run detached from ctx so Close can drain them.
func (t *Transport) dispatch(ctx context.Context, msg *nats.Msg, handler transport.Handler) {
	if t.sem != nil {
		select {
		case t.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
	release := func() {
		if t.sem != nil {
			<-t.sem
		}
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		release()
		return
	}
	t.inflight.Add(1)
	t.mu.Unlock()

	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer t.inflight.Done()
		defer release()
		t.handle(workCtx, msg, handler)
	}()
}

func (t *Transport) handle(ctx context.Context, msg *nats.Msg, handler transport.Handler) {
	if msg.Reply == "" {
		slog.Warn("Dropping nats message without reply subject", "subject", msg.Subject)
		return
	}

	var req message.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		t.respond(msg, "", message.StatusErrorResponse{
			Detail: "invalid json: " + err.Error(),
			Status: http.StatusUnprocessableEntity,
		})
		return
	}
	req.ID = strings.TrimSpace(msg.Header.Get(RequestIDHeader))
	req.ReceivedAt = time.Now()

	resp, err := handler(ctx, &req)
	if err != nil {
		t.respond(msg, req.ID, message.StatusErrorResponse{
			Detail: synth.DetailOf(err),
			Status: synth.KindOf(err).HTTPStatus(),
		})
		return
	}
	t.respond(msg, req.ID, resp)
}

func (t *Transport) respond(msg *nats.Msg, reqID string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Failed to marshal nats reply", "error", err)
		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Data = data
	if reqID != "" {
		reply.Header.Set(RequestIDHeader, reqID)
	}
	if err := msg.RespondMsg(reply); err != nil {
		slog.Error("Failed to send nats reply", "request_id", reqID, "error", err)
	}
}

// Close stops receiving, waits for in-flight requests and closes the
// connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, sub := t.conn, t.sub
	t.conn, t.sub = nil, nil
	t.closing = true
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	t.inflight.Wait()
	conn.Close()
	return err
}
