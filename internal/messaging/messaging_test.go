package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/security"
	"github.com/qudata/fleet-agent/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newChannel(t *testing.T) *security.Channel {
	t.Helper()
	encoded, err := security.GenerateKey(security.DefaultKeySize)
	require.NoError(t, err)
	key, err := security.DecodeKey(encoded)
	require.NoError(t, err)
	return security.NewChannel(security.KeyFunc(func() ([]byte, error) { return key, nil }), discardLogger())
}

func newMessageStore(t *testing.T) *storage.MessageStore {
	t.Helper()
	s, err := storage.OpenMessageStore(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProducerRetriesThenDelivers(t *testing.T) {
	ch := newChannel(t)
	store := newMessageStore(t)

	var calls atomic.Int32
	var got *message.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/control", r.URL.Path)
		assert.Equal(t, "srv-1", r.Header.Get(HeaderServerID))
		body, _ := io.ReadAll(r.Body)
		plaintext, err := ch.Open(security.Sealed{
			Data:      string(body),
			Signature: r.Header.Get(HeaderSignature),
			Date:      r.Header.Get(HeaderDate),
		})
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got, err = message.Decode(plaintext, message.FormatJSON)
		assert.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewProducer(ProducerConfig{
		Endpoint: srv.URL,
		ServerID: "srv-1",
		Format:   message.FormatJSON,
		Backoff:  []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}, ch, store, discardLogger())
	p.OnBeforeSend(func(_ string, m *message.Message) {
		m.SetMeta(message.MetaAgentVersion, "1.2.3")
	})

	m := message.New(message.HostUp, message.Body{"hostname": "web-1"})
	require.NoError(t, p.Send(context.Background(), message.QueueControl, m))

	assert.Equal(t, int32(3), calls.Load())
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "1.2.3", got.Meta[message.MetaAgentVersion])
	assert.Equal(t, "web-1", got.Body.String("hostname"))

	rec, err := store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, rec.Delivered)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, message.Outbound, rec.Direction)
}

func TestProducerExhaustsRetries(t *testing.T) {
	store := newMessageStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProducer(ProducerConfig{
		Endpoint: srv.URL,
		Format:   message.FormatJSON,
		Backoff:  []time.Duration{time.Millisecond, time.Millisecond},
	}, newChannel(t), store, discardLogger())

	m := message.New(message.HostInit, nil)
	err := p.Send(context.Background(), message.QueueControl, m)
	require.Error(t, err)

	var delivery domain.ErrDelivery
	require.True(t, errors.As(err, &delivery))
	assert.Equal(t, m.ID, delivery.MessageID)
	assert.Equal(t, message.QueueControl, delivery.Queue)
	assert.Equal(t, int32(3), calls.Load())

	rec, err := store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.False(t, rec.Delivered)
}

func TestProducerDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewProducer(ProducerConfig{
		Endpoint: srv.URL,
		Format:   message.FormatJSON,
		Backoff:  []time.Duration{time.Millisecond},
	}, newChannel(t), newMessageStore(t), discardLogger())

	err := p.Send(context.Background(), message.QueueLog, message.New(message.ExecScriptResult, nil))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

type recordingHandler struct {
	mu    sync.Mutex
	names []string
	tag   string
	log   *[]string
	fail  bool
	panic bool
}

func (h *recordingHandler) Accept(m *message.Message, _ string) bool {
	return m.Name != "Ignored"
}

func (h *recordingHandler) Handle(_ context.Context, m *message.Message) error {
	h.mu.Lock()
	h.names = append(h.names, m.Name)
	if h.log != nil {
		*h.log = append(*h.log, h.tag+":"+m.Name)
	}
	h.mu.Unlock()
	if h.panic {
		panic("boom")
	}
	if h.fail {
		return errors.New("handler failed")
	}
	return nil
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.names...)
}

func post(t *testing.T, c *Consumer, ch *security.Channel, m *message.Message) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := message.Encode(m, message.FormatJSON)
	require.NoError(t, err)
	sealed, err := ch.Seal(payload)
	require.NoError(t, err)
	return postSealed(c, sealed)
}

func postSealed(c *Consumer, sealed security.Sealed) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/control", strings.NewReader(sealed.Data))
	req.Header.Set(HeaderDate, sealed.Date)
	req.Header.Set(HeaderSignature, sealed.Signature)
	w := httptest.NewRecorder()
	c.HTTPHandler().ServeHTTP(w, req)
	return w
}

func newConsumer(t *testing.T, ch *security.Channel, store *storage.MessageStore) *Consumer {
	t.Helper()
	c := NewConsumer(ConsumerConfig{Addr: "127.0.0.1:0", Format: message.FormatJSON}, ch, store, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Shutdown(ctx, true)
	})
	return c
}

func TestConsumerDispatchesInOrder(t *testing.T) {
	ch := newChannel(t)
	store := newMessageStore(t)
	c := newConsumer(t, ch, store)

	var order []string
	first := &recordingHandler{tag: "first", log: &order}
	second := &recordingHandler{tag: "second", log: &order}
	c.AddHandler(first)
	c.AddHandler(second)
	require.NoError(t, c.Start(context.Background()))

	a := message.New(message.HostInit, nil)
	b := message.New(message.IntServerReboot, nil)
	require.Equal(t, http.StatusCreated, post(t, c, ch, a).Code)
	require.Equal(t, http.StatusCreated, post(t, c, ch, b).Code)

	require.Eventually(t, func() bool {
		r, err := store.Get(context.Background(), b.ID)
		return err == nil && r.Handled
	}, 2*time.Second, 10*time.Millisecond)

	first.mu.Lock()
	defer first.mu.Unlock()
	assert.Equal(t, []string{
		"first:HostInit", "second:HostInit",
		"first:IntServerReboot", "second:IntServerReboot",
	}, order)
}

func TestConsumerRejectsBadSignature(t *testing.T) {
	ch := newChannel(t)
	store := newMessageStore(t)
	c := newConsumer(t, ch, store)
	require.NoError(t, c.Start(context.Background()))

	payload, err := message.Encode(message.New(message.HostInit, nil), message.FormatJSON)
	require.NoError(t, err)
	sealed, err := newChannel(t).Seal(payload)
	require.NoError(t, err)

	w := postSealed(c, sealed)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "cannot decrypt message")

	all, err := store.List(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConsumerIgnoresReplayedMessage(t *testing.T) {
	ch := newChannel(t)
	store := newMessageStore(t)
	c := newConsumer(t, ch, store)
	h := &recordingHandler{}
	c.AddHandler(h)
	require.NoError(t, c.Start(context.Background()))

	m := message.New(message.HostInitResponse, nil)
	require.Equal(t, http.StatusCreated, post(t, c, ch, m).Code)
	require.Eventually(t, func() bool { return len(h.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusCreated, post(t, c, ch, m).Code)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.seen(), 1)
}

func TestConsumerLeavesFailedMessageUnhandled(t *testing.T) {
	for name, failing := range map[string]*recordingHandler{
		"error": {fail: true},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			ch := newChannel(t)
			store := newMessageStore(t)
			c := newConsumer(t, ch, store)
			after := &recordingHandler{}
			c.AddHandler(failing)
			c.AddHandler(after)
			require.NoError(t, c.Start(context.Background()))

			m := message.New(message.HostInitResponse, nil)
			require.Equal(t, http.StatusCreated, post(t, c, ch, m).Code)

			// dispatch is ordered: once the next message is handled the
			// failed one has been fully processed
			next := message.New("Ignored", nil)
			require.Equal(t, http.StatusCreated, post(t, c, ch, next).Code)
			require.Eventually(t, func() bool {
				r, err := store.Get(context.Background(), next.ID)
				return err == nil && r.Handled
			}, 2*time.Second, 10*time.Millisecond)

			r, err := store.Get(context.Background(), m.ID)
			require.NoError(t, err)
			assert.False(t, r.Handled)
			assert.Equal(t, []string{message.HostInitResponse}, after.seen())

			unhandled, err := store.Unhandled(context.Background())
			require.NoError(t, err)
			require.Len(t, unhandled, 1)
			assert.Equal(t, m.ID, unhandled[0].ID)
		})
	}
}

func TestConsumerRedeliversUnhandledOnStart(t *testing.T) {
	ch := newChannel(t)
	store := newMessageStore(t)

	m := message.New(message.IntServerHalt, nil)
	payload, err := message.Encode(m, message.FormatJSON)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), &storage.Record{
		ID:        m.ID,
		Name:      m.Name,
		Queue:     message.QueueControl,
		Direction: message.Inbound,
		Format:    message.FormatJSON,
		Payload:   payload,
	})
	require.NoError(t, err)

	c := newConsumer(t, ch, store)
	h := &recordingHandler{}
	c.AddHandler(h)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		r, err := store.Get(context.Background(), m.ID)
		return err == nil && r.Handled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{message.IntServerHalt}, h.seen())
}

func TestConsumerClockSkew(t *testing.T) {
	ch := newChannel(t)
	store := newMessageStore(t)
	c := NewConsumer(ConsumerConfig{Format: message.FormatJSON, MaxClockSkew: time.Minute}, ch, store, discardLogger())
	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(context.Background(), true)

	w := post(t, c, ch, message.New(message.HostInit, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	var called string
	r.Register(message.HostInit, func(_ context.Context, m *message.Message) error {
		called = m.Name
		return nil
	})

	assert.True(t, r.Accept(message.New(message.HostInit, nil), message.QueueControl))
	assert.False(t, r.Accept(message.New("Unknown", nil), message.QueueControl))
	require.NoError(t, r.Handle(context.Background(), message.New("Unknown", nil)))
	require.NoError(t, r.Handle(context.Background(), message.New(message.HostInit, nil)))
	assert.Equal(t, message.HostInit, called)
}

func TestServiceBroadcast(t *testing.T) {
	s := NewService(nil, nil, Broadcast{LocalIP: "10.0.0.5", PublicIP: "1.2.3.4", RoleName: "web", Behaviors: []string{"app", "www"}})

	m := s.NewMessage(message.HostDown, message.Body{"x": "y"}, true)
	assert.Equal(t, "10.0.0.5", m.Body.String("local_ip"))
	assert.Equal(t, "1.2.3.4", m.Body.String("remote_ip"))
	assert.Equal(t, "app,www", m.Body.String("behaviour"))
	assert.Equal(t, "y", m.Body.String("x"))

	plain := s.NewMessage(message.HostUp, nil, false)
	assert.Empty(t, plain.Body.String("local_ip"))
}
