// Package bus implements the in-process message bus for worker agents:
// bounded per-agent inboxes with non-blocking delivery, broadcast to a
// team, and shutdown signalling.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultInboxSize bounds each agent inbox. Delivery to a full inbox
// fails instead of blocking the sender.
const DefaultInboxSize = 1000

// MessageType classifies a bus message.
type MessageType string

const (
	MessageDirect    MessageType = "direct"
	MessageBroadcast MessageType = "broadcast"
	MessageShutdown  MessageType = "shutdown"
)

// Delivery failure errors.
var (
	// ErrAgentNotFound indicates the receiver is not registered.
	ErrAgentNotFound = errors.New("agent not registered")

	// ErrAgentTerminated indicates the receiver was unregistered.
	ErrAgentTerminated = errors.New("agent terminated")

	// ErrInboxFull indicates the receiver's inbox is at capacity.
	ErrInboxFull = errors.New("inbox full")
)

// Message is one unit of inter-agent communication.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	TeamID     string      `json:"team_id,omitempty"`
	SentAt     time.Time   `json:"sent_at"`
}

// Delivery reports the outcome of delivering one message.
type Delivery struct {
	MessageID  string
	ReceiverID string
	Err        error
}

// Bus routes messages between registered agents. All methods are safe
// for concurrent use; delivery never blocks.
type Bus struct {
	mu         sync.Mutex
	inboxes    map[string]chan Message
	agentTeams map[string]string
	teamAgents map[string]map[string]bool
	terminated map[string]bool
	inboxSize  int
	logger     *slog.Logger
}

// New creates a bus. inboxSize <= 0 selects DefaultInboxSize.
func New(inboxSize int) *Bus {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Bus{
		inboxes:    make(map[string]chan Message),
		agentTeams: make(map[string]string),
		teamAgents: make(map[string]map[string]bool),
		terminated: make(map[string]bool),
		inboxSize:  inboxSize,
		logger:     slog.Default().With("component", "bus"),
	}
}

// Register creates an inbox for the agent and joins it to a team.
// Re-registering a terminated agent revives it with a fresh inbox.
func (b *Bus) Register(agentID, teamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inboxes[agentID] = make(chan Message, b.inboxSize)
	b.agentTeams[agentID] = teamID
	if b.teamAgents[teamID] == nil {
		b.teamAgents[teamID] = make(map[string]bool)
	}
	b.teamAgents[teamID][agentID] = true
	delete(b.terminated, agentID)
}

// Unregister removes the agent's inbox and marks it terminated. Messages
// sent to it afterwards fail with ErrAgentTerminated.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.terminated[agentID] = true
	delete(b.inboxes, agentID)
	teamID, ok := b.agentTeams[agentID]
	if ok {
		delete(b.agentTeams, agentID)
		delete(b.teamAgents[teamID], agentID)
		if len(b.teamAgents[teamID]) == 0 {
			delete(b.teamAgents, teamID)
		}
	}
}

// Send delivers a direct message to one agent.
func (b *Bus) Send(senderID, receiverID, content string) Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := b.newMessage(senderID, receiverID, content, MessageDirect)
	return b.deliver(receiverID, msg)
}

// Broadcast delivers a message to every team member except the sender.
func (b *Bus) Broadcast(senderID, teamID, content string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	var deliveries []Delivery
	for member := range b.teamAgents[teamID] {
		if member == senderID {
			continue
		}
		msg := b.newMessage(senderID, member, content, MessageBroadcast)
		msg.TeamID = teamID
		deliveries = append(deliveries, b.deliver(member, msg))
	}
	return deliveries
}

// SendShutdown asks an agent to wind down gracefully.
func (b *Bus) SendShutdown(senderID, targetID, reason string) Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := b.newMessage(senderID, targetID, reason, MessageShutdown)
	return b.deliver(targetID, msg)
}

// Receive drains and returns all pending messages for an agent. Unknown
// agents get an empty slice.
func (b *Bus) Receive(agentID string) []Message {
	b.mu.Lock()
	inbox, ok := b.inboxes[agentID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	var messages []Message
	for {
		select {
		case msg := <-inbox:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
}

// Pending reports the number of undelivered messages for an agent.
func (b *Bus) Pending(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	inbox, ok := b.inboxes[agentID]
	if !ok {
		return 0
	}
	return len(inbox)
}

func (b *Bus) newMessage(senderID, receiverID, content string, msgType MessageType) Message {
	return Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Type:       msgType,
		TeamID:     b.agentTeams[senderID],
		SentAt:     time.Now(),
	}
}

// deliver places a message in an inbox without blocking. Caller holds
// the lock.
func (b *Bus) deliver(receiverID string, msg Message) Delivery {
	delivery := Delivery{MessageID: msg.ID, ReceiverID: receiverID}
	if b.terminated[receiverID] {
		delivery.Err = fmt.Errorf("%w: %s", ErrAgentTerminated, receiverID)
		return delivery
	}
	inbox, ok := b.inboxes[receiverID]
	if !ok {
		delivery.Err = fmt.Errorf("%w: %s", ErrAgentNotFound, receiverID)
		return delivery
	}
	select {
	case inbox <- msg:
	default:
		b.logger.Warn("Inbox full, message dropped",
			"receiver_id", receiverID,
			"sender_id", msg.SenderID,
			"type", msg.Type)
		delivery.Err = fmt.Errorf("%w: %s", ErrInboxFull, receiverID)
	}
	return delivery
}
