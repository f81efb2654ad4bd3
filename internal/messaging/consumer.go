package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/metrics"
	"github.com/qudata/fleet-agent/internal/security"
	"github.com/qudata/fleet-agent/internal/server"
	"github.com/qudata/fleet-agent/internal/storage"
)

const (
	maxPayloadSize = 16 << 20
	queueSize      = 1024
)

// Opener verifies and decrypts inbound payloads.
type Opener interface {
	Open(s security.Sealed) ([]byte, error)
}

// InboundLog persists inbound messages and their handled mark.
type InboundLog interface {
	Put(ctx context.Context, r *storage.Record) (bool, error)
	MarkHandled(ctx context.Context, id string) error
	Unhandled(ctx context.Context) ([]*storage.Record, error)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Addr         string
	Format       string
	MaxClockSkew time.Duration
}

// Consumer accepts messages from the control plane, persists them and
// dispatches them to handlers one at a time in arrival order.
type Consumer struct {
	cfg    ConsumerConfig
	opener Opener
	log    InboundLog
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers []Handler

	srv   *http.Server
	queue chan *message.Message

	stopOnce sync.Once
	stop     chan struct{}
	force    bool
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewConsumer(cfg ConsumerConfig, opener Opener, log InboundLog, logger *slog.Logger) *Consumer {
	c := &Consumer{
		cfg:    cfg,
		opener: opener,
		log:    log,
		logger: logger,
		now:    time.Now,
		queue:  make(chan *message.Message, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	router := server.NewEngine(logger)
	router.POST("/:queue", c.receive)

	c.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return c
}

// AddHandler appends h to the dispatch chain.
func (c *Consumer) AddHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// HTTPHandler exposes the listener's handler.
func (c *Consumer) HTTPHandler() http.Handler {
	return c.srv.Handler
}

// Start re-queues messages that were persisted but never handled and
// starts the dispatch loop. It does not listen; see Serve.
func (c *Consumer) Start(ctx context.Context) error {
	pending, err := c.log.Unhandled(ctx)
	if err != nil {
		return fmt.Errorf("load unhandled messages: %w", err)
	}

	// Handlers outlive the caller's context until Shutdown decides.
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go c.dispatchLoop()

	for _, r := range pending {
		m, err := r.Message()
		if err != nil {
			c.logger.Error("skip undecodable stored message", "id", r.ID, "err", err)
			continue
		}
		c.logger.Info("redelivering unhandled message", "name", m.Name, "id", m.ID)
		c.queue <- m
	}
	return nil
}

// Serve listens until Shutdown. It returns nil after a clean shutdown.
func (c *Consumer) Serve() error {
	c.logger.Info("consumer listening", "addr", c.cfg.Addr)
	if err := c.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("consumer listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting messages. With force the dispatch loop stops
// and the handler in flight sees its context cancelled; otherwise the
// queue is drained first. Messages left behind stay unhandled in the store.
func (c *Consumer) Shutdown(ctx context.Context, force bool) error {
	err := c.srv.Shutdown(ctx)

	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.force = force
		c.mu.Unlock()
		close(c.stop)
		if force && c.cancel != nil {
			c.cancel()
		}
	})

	if c.ctx == nil {
		return err
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (c *Consumer) receive(ctx *gin.Context) {
	queue := ctx.Param("queue")

	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxPayloadSize))
	if err != nil {
		c.reject(ctx, http.StatusBadRequest, "read body", err)
		return
	}

	sealed := security.Sealed{
		Data:      string(body),
		Signature: ctx.GetHeader(HeaderSignature),
		Date:      ctx.GetHeader(HeaderDate),
	}

	if c.cfg.MaxClockSkew > 0 {
		sent, err := security.ParseDate(sealed.Date)
		if err != nil || absDuration(c.now().Sub(sent)) > c.cfg.MaxClockSkew {
			c.reject(ctx, http.StatusBadRequest, "stale or malformed date", err)
			return
		}
	}

	plaintext, err := c.opener.Open(sealed)
	if err != nil {
		c.reject(ctx, http.StatusBadRequest, err.Error(), nil)
		return
	}

	m, err := message.Decode(plaintext, c.cfg.Format)
	if err != nil {
		c.reject(ctx, http.StatusBadRequest, "malformed message", err)
		return
	}
	if m.ID == "" {
		c.reject(ctx, http.StatusBadRequest, "message without id", nil)
		return
	}
	m.Queue = queue
	m.Direction = message.Inbound

	reqCtx := ctx.Request.Context()
	created, err := c.log.Put(reqCtx, &storage.Record{
		ID:        m.ID,
		Name:      m.Name,
		Queue:     queue,
		Direction: message.Inbound,
		Format:    c.cfg.Format,
		Payload:   plaintext,
	})
	if err != nil {
		c.logger.Error("persist inbound message", "name", m.Name, "id", m.ID, "err", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "cannot store message"})
		return
	}

	if !created {
		metrics.MessagesReceivedTotal.WithLabelValues("duplicate").Inc()
		c.logger.Info("duplicate message ignored", "name", m.Name, "id", m.ID)
		ctx.JSON(http.StatusCreated, gin.H{"ok": true})
		return
	}

	select {
	case c.queue <- m:
	case <-reqCtx.Done():
		// persisted; redelivered on next start
	}

	metrics.MessagesReceivedTotal.WithLabelValues("accepted").Inc()
	c.logger.Info("message received", "name", m.Name, "id", m.ID, "queue", queue)
	ctx.JSON(http.StatusCreated, gin.H{"ok": true})
}

func (c *Consumer) reject(ctx *gin.Context, status int, reason string, err error) {
	metrics.MessagesReceivedTotal.WithLabelValues("rejected").Inc()
	c.logger.Warn("inbound message rejected",
		"reason", reason,
		"err", err,
		"ip", ctx.ClientIP(),
	)
	ctx.JSON(status, gin.H{"ok": false, "error": reason})
}

func (c *Consumer) dispatchLoop() {
	defer close(c.done)
	defer c.cancel()
	for {
		select {
		case <-c.stop:
			if c.forced() {
				return
			}
			for {
				select {
				case m := <-c.queue:
					c.dispatch(m)
				default:
					return
				}
			}
		case m := <-c.queue:
			if c.forced() {
				return
			}
			c.dispatch(m)
		}
	}
}

func (c *Consumer) forced() bool {
	select {
	case <-c.stop:
	default:
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.force
}

// dispatch runs every accepting handler and marks m handled when all of
// them succeeded. A failed message stays unhandled and is dispatched again
// on the next Start.
func (c *Consumer) dispatch(m *message.Message) {
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.RUnlock()

	status := "ok"
	for _, h := range handlers {
		if !h.Accept(m, m.Queue) {
			continue
		}
		if err := c.invoke(h, m); err != nil {
			status = "error"
			c.logger.Error("message handler failed", "name", m.Name, "id", m.ID, "err", err)
		}
	}
	metrics.MessagesHandledTotal.WithLabelValues(m.Name, status).Inc()

	if status != "ok" {
		c.logger.Warn("message left unhandled", "name", m.Name, "id", m.ID)
		return
	}
	// handlers cut short by shutdown report it through their error
	if err := c.log.MarkHandled(context.WithoutCancel(c.ctx), m.ID); err != nil {
		c.logger.Error("mark message handled", "name", m.Name, "id", m.ID, "err", err)
	}
}

func (c *Consumer) invoke(h Handler, m *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(c.ctx, m)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
