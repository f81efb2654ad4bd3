package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/metrics"
	"github.com/qudata/fleet-agent/internal/security"
	"github.com/qudata/fleet-agent/internal/storage"
)

// Transport headers.
const (
	HeaderDate      = "Date"
	HeaderSignature = "X-Signature"
	HeaderServerID  = "X-Server-Id"
)

// Sealer encrypts and signs outbound payloads.
type Sealer interface {
	Seal(plaintext []byte) (security.Sealed, error)
}

// OutboundLog persists outbound messages before delivery.
type OutboundLog interface {
	Put(ctx context.Context, r *storage.Record) (bool, error)
	MarkAttempt(ctx context.Context, id string, attempts int, delivered bool) error
}

// BeforeSendHook may decorate a message right before it is persisted and sent.
type BeforeSendHook func(queue string, m *message.Message)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Endpoint string
	ServerID string
	Format   string
	// Backoff is the wait before each retry; its length is the retry budget.
	Backoff []time.Duration
}

// Producer delivers messages to the control plane with retries.
type Producer struct {
	cfg    ProducerConfig
	sealer Sealer
	log    OutboundLog
	client *retryablehttp.Client
	logger *slog.Logger

	mu    sync.RWMutex
	hooks []BeforeSendHook
}

type attemptsKey struct{}

func NewProducer(cfg ProducerConfig, sealer Sealer, log OutboundLog, logger *slog.Logger) *Producer {
	backoff := cfg.Backoff

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = len(backoff)
	retryClient.Logger = nil // suppress default logging
	retryClient.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		if len(backoff) == 0 {
			return 0
		}
		if attemptNum >= len(backoff) {
			return backoff[len(backoff)-1]
		}
		return backoff[attemptNum]
	}
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if counter, ok := req.Context().Value(attemptsKey{}).(*atomic.Int32); ok {
			counter.Store(int32(attempt + 1))
		}
		if attempt > 0 {
			metrics.MessageSendRetriesTotal.Inc()
		}
	}

	return &Producer{
		cfg:    cfg,
		sealer: sealer,
		log:    log,
		client: retryClient,
		logger: logger,
	}
}

// OnBeforeSend registers a hook run on every outbound message.
func (p *Producer) OnBeforeSend(h BeforeSendHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
}

// Send persists m and delivers it to queue. On exhausted retries it
// returns domain.ErrDelivery; the message stays in the store undelivered.
func (p *Producer) Send(ctx context.Context, queue string, m *message.Message) error {
	p.mu.RLock()
	hooks := append([]BeforeSendHook(nil), p.hooks...)
	p.mu.RUnlock()
	for _, h := range hooks {
		h(queue, m)
	}
	m.Queue = queue
	m.Direction = message.Outbound

	payload, err := message.Encode(m, p.cfg.Format)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Name, err)
	}

	if _, err := p.log.Put(ctx, &storage.Record{
		ID:        m.ID,
		Name:      m.Name,
		Queue:     queue,
		Direction: message.Outbound,
		Format:    p.cfg.Format,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("persist %s: %w", m.Name, err)
	}

	sealed, err := p.sealer.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal %s: %w", m.Name, err)
	}

	attempts, err := p.post(ctx, queue, sealed)
	delivered := err == nil
	if markErr := p.log.MarkAttempt(ctx, m.ID, attempts, delivered); markErr != nil {
		p.logger.Warn("failed to record delivery attempt", "id", m.ID, "err", markErr)
	}

	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues(queue, "failed").Inc()
		p.logger.Error("message delivery failed",
			"name", m.Name,
			"id", m.ID,
			"queue", queue,
			"attempts", attempts,
			"err", err,
		)
		return domain.ErrDelivery{Queue: queue, MessageID: m.ID, Attempts: attempts, Err: err}
	}

	metrics.MessagesSentTotal.WithLabelValues(queue, "ok").Inc()
	p.logger.Info("message sent", "name", m.Name, "id", m.ID, "queue", queue, "attempts", attempts)
	return nil
}

func (p *Producer) post(ctx context.Context, queue string, sealed security.Sealed) (int, error) {
	counter := &atomic.Int32{}
	ctx = context.WithValue(ctx, attemptsKey{}, counter)

	url := p.cfg.Endpoint + "/" + queue
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, []byte(sealed.Data))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(HeaderDate, sealed.Date)
	req.Header.Set(HeaderSignature, sealed.Signature)
	req.Header.Set(HeaderServerID, p.cfg.ServerID)

	resp, err := p.client.Do(req)
	if err != nil {
		return int(counter.Load()), fmt.Errorf("http POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return int(counter.Load()), fmt.Errorf("POST %s returned %d: %s", url, resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return int(counter.Load()), nil
}
