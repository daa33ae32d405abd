package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/pkg/fn"
	"github.com/dinewise/ragsvc/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// Subject carries ingest requests.
	Subject = "rag.ingest"
	// DLQSubject receives requests that failed MaxRetries times.
	DLQSubject = "rag.ingest.dlq"
	// MaxRetries before sending to the DLQ.
	MaxRetries = 3
	// RetryHeader counts failed attempts on a republished request.
	RetryHeader = "X-Retry-Count"
)

// RetryBackoff spaces republished requests so a downed dependency gets time
// to recover before a request lands in the DLQ.
var RetryBackoff = fn.RetryOpts{
	InitialWait: 2 * time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// Ingester is what the consumer hands each request to.
type Ingester interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (int, error)
}

// DLQMessage is published to DLQSubject on repeated failure.
type DLQMessage struct {
	Request domain.IngestRequest `json:"request"`
	Error   string               `json:"error"`
	Retries int                  `json:"retries"`
}

// Publish enqueues req for a consumer.
func Publish(ctx context.Context, nc *nats.Conn, req domain.IngestRequest) error {
	return natsutil.Publish(ctx, nc, Subject, req)
}

// StartConsumer runs every request on Subject through ing. A failed request
// is republished after RetryBackoff with an incremented retry header; after
// MaxRetries it goes to DLQSubject. Validation failures skip the retries.
func StartConsumer(nc *nats.Conn, ing Ingester, log *slog.Logger) (*nats.Subscription, error) {
	return StartConsumerWithBackoff(nc, ing, log, RetryBackoff)
}

// StartConsumerWithBackoff is StartConsumer with an explicit retry schedule.
func StartConsumerWithBackoff(nc *nats.Conn, ing Ingester, log *slog.Logger, backoff fn.RetryOpts) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}

	return natsutil.Subscribe(nc, Subject, log, func(ctx context.Context, msg *nats.Msg, req domain.IngestRequest) {
		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(RetryHeader); v != "" {
				retries, _ = strconv.Atoi(v)
			}
		}

		n, err := ing.Ingest(ctx, req)
		if err == nil {
			log.Info("ingest: message done", "chunks", n, "retries", retries)
			return
		}

		retries++
		log.Error("ingest: message failed", "err", err, "retry", retries)

		if retries >= MaxRetries || domain.IsValidation(err) {
			data, _ := json.Marshal(DLQMessage{Request: req, Error: err.Error(), Retries: retries})
			dlq := nats.NewMsg(DLQSubject)
			dlq.Data = data
			natsutil.Inject(ctx, dlq)
			if err := nc.PublishMsg(dlq); err != nil {
				log.Error("ingest: DLQ publish failed", "err", err)
			}
			return
		}

		retry := nats.NewMsg(Subject)
		retry.Data = msg.Data
		natsutil.Inject(ctx, retry)
		retry.Header.Set(RetryHeader, strconv.Itoa(retries))
		// Republish off the subscription goroutine so later messages keep flowing.
		time.AfterFunc(backoff.Backoff(retries), func() {
			if err := nc.PublishMsg(retry); err != nil {
				log.Error("ingest: retry publish failed", "err", err, "retry", retries)
			}
		})
	})
}
