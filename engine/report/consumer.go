package report

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/natsutil"
)

const (
	// SubmitSubject receives Submission messages.
	SubmitSubject = "vibewalk.report.submit"
	// DLQSubject receives submissions that kept failing.
	DLQSubject = "vibewalk.report.submit.dlq"
	// QueueGroup load-balances submissions across service instances.
	QueueGroup = "vibewalk-report"
	// MaxRetries before a submission goes to the DLQ.
	MaxRetries = 3
)

// Reply answers a submission sent with a reply subject.
type Reply struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Submission Submission `json:"submission"`
	Error      string     `json:"error"`
	Retries    int        `json:"retries"`
}

type consumer struct {
	ing *Ingestor
	pub natsutil.Publisher
	log *slog.Logger
}

// StartConsumer subscribes to SubmitSubject and runs every submission through
// ing. Fire-and-forget messages are retried with an X-Retry-Count header and
// dead-lettered after MaxRetries; request messages get a Reply instead, and
// the requester decides whether to retry.
func StartConsumer(nc *nats.Conn, ing *Ingestor, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &consumer{ing: ing, pub: nc, log: log}
	return natsutil.QueueSubscribe(nc, SubmitSubject, QueueGroup, log, c.handle)
}

func (c *consumer) handle(ctx context.Context, msg *nats.Msg, sub Submission) {
	sig, err := c.ing.Ingest(ctx, sub)
	if err == nil {
		c.reply(msg, Reply{ID: sig.ID})
		return
	}

	kind := domain.Classify(err)
	if msg.Reply != "" || kind == domain.KindValidation {
		c.reply(msg, Reply{Kind: kind, Error: err.Error()})
		return
	}

	retries := natsutil.RetryCount(msg) + 1
	c.log.Error("report: submission failed", "err", err, "retry", retries)
	if retries >= MaxRetries {
		dlq := dlqMessage{Submission: sub, Error: err.Error(), Retries: retries}
		if err := natsutil.Publish(ctx, c.pub, DLQSubject, dlq); err != nil {
			c.log.Error("report: DLQ publish failed", "err", err)
		}
		return
	}
	if err := natsutil.Republish(c.pub, msg, retries); err != nil {
		c.log.Error("report: retry publish failed", "err", err)
	}
}

func (c *consumer) reply(msg *nats.Msg, r Reply) {
	if err := natsutil.Respond(c.pub, msg, r); err != nil {
		c.log.Warn("report: reply failed", "err", err)
	}
}
