package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Message is the unit of inter-agent communication. A message with an empty
// To field is a broadcast to every subscribed agent except the sender.
type Message struct {
	ID               string               `json:"id"`
	From             string               `json:"from"`
	To               string               `json:"to,omitempty"`
	Type             types.MessageType    `json:"type"`
	Priority         types.Priority       `json:"priority"`
	Subject          string               `json:"subject"`
	Payload          map[string]any       `json:"payload,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	ExpiresAt        *time.Time           `json:"expires_at,omitempty"`
	RequiresResponse bool                 `json:"requires_response,omitempty"`
	ResponseTo       string               `json:"response_to,omitempty"`
	ConversationID   string               `json:"conversation_id,omitempty"`
	CorrelationID    string               `json:"correlation_id,omitempty"`
	Tags             []string             `json:"tags,omitempty"`
	Status           types.DeliveryStatus `json:"status"`
	DeliveredAt      *time.Time           `json:"delivered_at,omitempty"`
	Retries          int                  `json:"retries"`
}

// NewMessage creates a pending message with a fresh id and timestamp.
func NewMessage(from, to string, msgType types.MessageType, subject string, payload map[string]any, priority types.Priority) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Priority:  priority,
		Subject:   subject,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Status:    types.DeliveryPending,
	}
}

// Expired reports whether the message has passed its expiration time.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Reply creates a response message linked to m via ResponseTo. The reply
// inherits the conversation and correlation ids.
func (m *Message) Reply(from string, payload map[string]any) *Message {
	reply := NewMessage(from, m.From, types.MessageResponse, "Re: "+m.Subject, payload, m.Priority)
	reply.ResponseTo = m.ID
	reply.ConversationID = m.ConversationID
	reply.CorrelationID = m.CorrelationID
	return reply
}
