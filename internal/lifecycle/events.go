package lifecycle

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/qudata/fleet-agent/internal/message"
)

// Hook is an ordered list of observers for one lifecycle event.
type Hook[T any] struct {
	name string
	mu   sync.Mutex
	fns  []func(T) error
}

// Add registers fn. Observers run in registration order.
func (h *Hook[T]) Add(fn func(T) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

// fire runs every observer. Errors and panics are logged and do not stop
// the remaining observers.
func (h *Hook[T]) fire(logger *slog.Logger, v T) {
	h.mu.Lock()
	fns := slices.Clone(h.fns)
	h.mu.Unlock()

	for i, fn := range fns {
		if err := call(fn, v); err != nil {
			logger.Error("lifecycle hook failed", "event", h.name, "hook", i, "err", err)
		}
	}
}

func call[T any](fn func(T) error, v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(v)
}

// Events holds the observer lists fired around lifecycle transitions.
// Before* hooks may modify the outbound message.
type Events struct {
	Start              Hook[struct{}]
	BeforeHello        Hook[*message.Message]
	BeforeHostInit     Hook[*message.Message]
	HostInit           Hook[*message.Message]
	HostInitResponse   Hook[*message.Message]
	BeforeHostUp       Hook[*message.Message]
	HostUp             Hook[*message.Message]
	BeforeRebootStart  Hook[*message.Message]
	RebootStart        Hook[*message.Message]
	BeforeRebootFinish Hook[*message.Message]
	RebootFinish       Hook[*message.Message]
	BeforeHostDown     Hook[*message.Message]
	HostDown           Hook[*message.Message]
}

func newEvents() *Events {
	e := &Events{}
	e.Start.name = "start"
	e.BeforeHello.name = "before_hello"
	e.BeforeHostInit.name = "before_host_init"
	e.HostInit.name = "host_init"
	e.HostInitResponse.name = "host_init_response"
	e.BeforeHostUp.name = "before_host_up"
	e.HostUp.name = "host_up"
	e.BeforeRebootStart.name = "before_reboot_start"
	e.RebootStart.name = "reboot_start"
	e.BeforeRebootFinish.name = "before_reboot_finish"
	e.RebootFinish.name = "reboot_finish"
	e.BeforeHostDown.name = "before_host_down"
	e.HostDown.name = "host_down"
	return e
}
