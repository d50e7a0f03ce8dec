// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation and retry-count bookkeeping.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader counts redeliveries of a message republished after a failure.
const RetryHeader = "X-Retry-Count"

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NewMsg JSON-encodes v into a message for subject and injects the trace
// context from ctx into its headers.
func NewMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes it to subject.
func Publish[T any](ctx context.Context, p Publisher, subject string, v T) error {
	msg, err := NewMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return p.PublishMsg(msg)
}

// Context returns a context carrying the trace extracted from msg headers.
func Context(msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
}

// Handler returns a nats.MsgHandler that decodes JSON payloads of type T.
// Malformed messages are logged and dropped.
func Handler[T any](log *slog.Logger, handler func(context.Context, *nats.Msg, T)) nats.MsgHandler {
	if log == nil {
		log = slog.Default()
	}
	return func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			log.Warn("natsutil: dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		handler(Context(msg), msg, v)
	}
}

// Subscribe registers handler for JSON messages of type T on subject.
func Subscribe[T any](nc *nats.Conn, subject string, log *slog.Logger, handler func(context.Context, *nats.Msg, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, Handler(log, handler))
}

// QueueSubscribe is Subscribe with a queue group so replicas share the load.
func QueueSubscribe[T any](nc *nats.Conn, subject, queue string, log *slog.Logger, handler func(context.Context, *nats.Msg, T)) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, Handler(log, handler))
}

// RetryCount reads RetryHeader from msg; absent or garbage means 0.
func RetryCount(msg *nats.Msg) int {
	if msg == nil || msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Republish sends a copy of msg's payload back to its subject with the
// retry count set to retries. Trace headers are carried over.
func Republish(p Publisher, msg *nats.Msg, retries int) error {
	out := nats.NewMsg(msg.Subject)
	out.Data = msg.Data
	for k, vs := range msg.Header {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set(RetryHeader, strconv.Itoa(retries))
	return p.PublishMsg(out)
}

// Respond JSON-encodes v as the reply to msg. It is a no-op when the sender
// did not ask for a reply.
func Respond[T any](p Publisher, msg *nats.Msg, v T) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.PublishMsg(&nats.Msg{Subject: msg.Reply, Data: data})
}

// Request sends a JSON-encoded request and decodes the response.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp
	msg, err := NewMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	resp, err := nc.RequestMsg(msg, timeout)
	if err != nil {
		return zero, err
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply: %w", err)
	}
	return result, nil
}
