package messaging

import (
	"context"
	"strings"

	"github.com/qudata/fleet-agent/internal/message"
)

// Broadcast describes the host in messages flagged as broadcast.
type Broadcast struct {
	LocalIP   string
	PublicIP  string
	RoleName  string
	Behaviors []string
}

// Service is the messaging facade handed to the rest of the agent.
type Service struct {
	producer  *Producer
	consumer  *Consumer
	broadcast Broadcast
}

func NewService(producer *Producer, consumer *Consumer, broadcast Broadcast) *Service {
	return &Service{producer: producer, consumer: consumer, broadcast: broadcast}
}

func (s *Service) Producer() *Producer { return s.producer }
func (s *Service) Consumer() *Consumer { return s.consumer }

// LocalIP returns the address this host advertises.
func (s *Service) LocalIP() string { return s.broadcast.LocalIP }

// NewMessage builds an outbound message. Broadcast messages carry the
// host's addresses and role so every farm member can identify the sender.
func (s *Service) NewMessage(name string, body message.Body, broadcast bool) *message.Message {
	m := message.New(name, body)
	if broadcast {
		m.Body["local_ip"] = s.broadcast.LocalIP
		m.Body["remote_ip"] = s.broadcast.PublicIP
		m.Body["role_name"] = s.broadcast.RoleName
		m.Body["behaviour"] = strings.Join(s.broadcast.Behaviors, ",")
	}
	return m
}

// Send delivers m to queue through the producer.
func (s *Service) Send(ctx context.Context, queue string, m *message.Message) error {
	return s.producer.Send(ctx, queue, m)
}
