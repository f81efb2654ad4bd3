package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message names exchanged with the control plane.
const (
	HostInit             = "HostInit"
	HostInitResponse     = "HostInitResponse"
	HostUp               = "HostUp"
	BeforeHostUp         = "BeforeHostUp"
	HostDown             = "HostDown"
	Hello                = "Hello"
	HostUpdate           = "HostUpdate"
	RebootStart          = "RebootStart"
	RebootFinish         = "RebootFinish"
	BeforeHostTerminate  = "BeforeHostTerminate"
	IntServerReboot      = "IntServerReboot"
	IntServerHalt        = "IntServerHalt"
	AgentUpdateAvailable = "AgentUpdateAvailable"
	ExecScript           = "ExecScript"
	ExecScriptResult     = "ExecScriptResult"
	OperationResult      = "OperationResult"
)

// Queues.
const (
	QueueControl = "control"
	QueueLog     = "log"
)

// Meta keys set by the agent.
const (
	MetaServerID     = "server_id"
	MetaAgentVersion = "szr_version"
	MetaTimestamp    = "timestamp"
)

type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Message is the unit of exchange with the control plane.
type Message struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Meta map[string]string `json:"meta"`
	Body Body              `json:"body"`

	Direction Direction `json:"-"`
	Queue     string    `json:"-"`
	Handled   bool      `json:"-"`
}

// New creates an outbound message with a fresh time-ordered id.
func New(name string, body Body) *Message {
	if body == nil {
		body = Body{}
	}
	return &Message{
		ID:        newID(),
		Name:      name,
		Meta:      map[string]string{},
		Body:      body,
		Direction: Outbound,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetMeta sets a meta key, allocating the map if needed.
func (m *Message) SetMeta(key, value string) {
	if m.Meta == nil {
		m.Meta = map[string]string{}
	}
	m.Meta[key] = value
}

// Body is the free-form payload of a message. Values decoded from XML are
// strings, values decoded from JSON keep their JSON types; the accessors
// accept both.
type Body map[string]any

// Section returns the nested body under key, or nil.
func (b Body) Section(key string) Body {
	switch v := b[key].(type) {
	case Body:
		return v
	case map[string]any:
		return Body(v)
	}
	return nil
}

// String returns the value under key rendered as a string.
func (b Body) String(key string) string {
	switch v := b[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Bool interprets "1", "true" and JSON true as true.
func (b Body) Bool(key string) bool {
	switch v := b[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		}
	}
	return false
}

// Int returns the value under key as an int, or def when absent or malformed.
func (b Body) Int(key string, def int) int {
	switch v := b[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// List returns the value under key as a list. A single non-list value is
// wrapped, which happens for one-element lists decoded from XML.
func (b Body) List(key string) []any {
	switch v := b[key].(type) {
	case nil:
		return nil
	case []any:
		return v
	case string:
		if v == "" {
			return nil
		}
	}
	return []any{b[key]}
}

// Merge copies every key of other into b, merging nested sections.
func (b Body) Merge(other Body) {
	for k, v := range other {
		if sub, ok := asBody(v); ok {
			if cur, ok := asBody(b[k]); ok {
				cur.Merge(sub)
				b[k] = cur
				continue
			}
		}
		b[k] = v
	}
}

func asBody(v any) (Body, bool) {
	switch m := v.(type) {
	case Body:
		return m, true
	case map[string]any:
		return Body(m), true
	}
	return nil, false
}

// Timestamp formats t the way message meta carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
