// Package wallet delivers out-of-band notices to an agent owner's wallet
// messaging channel. Delivery is best effort and never blocks the agent.
package wallet

import (
	"context"
	"sync"
	"time"
)

// Message is one wallet notice from a running agent.
type Message struct {
	Agent     string    `json:"agent"`   // agent address
	Address   string    `json:"address"` // wallet address, may be empty
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Messenger sends wallet messages to one channel.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Logger is the minimal logging surface the fan-out needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans a message out to every configured messenger. Failures are
// logged, never propagated; wallet messaging must not affect handlers.
type Multi struct {
	mu         sync.RWMutex
	messengers []Messenger
	log        Logger
}

// NewMulti creates a fan-out over the given messengers.
func NewMulti(log Logger, messengers ...Messenger) *Multi {
	return &Multi{messengers: messengers, log: log}
}

// Send delivers to all messengers and reports whether at least one
// succeeded (vacuously true with none configured).
func (m *Multi) Send(ctx context.Context, msg Message) bool {
	m.mu.RLock()
	messengers := m.messengers
	m.mu.RUnlock()

	if len(messengers) == 0 {
		return true
	}

	anyOK := false
	for _, ms := range messengers {
		if err := ms.Send(ctx, msg); err != nil {
			m.log.Error("wallet message failed",
				"channel", ms.Name(),
				"agent", msg.Agent,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the messenger set at runtime.
func (m *Multi) Reconfigure(messengers ...Messenger) {
	m.mu.Lock()
	m.messengers = messengers
	m.mu.Unlock()
}

// LogMessenger writes every wallet message as a structured log line. Always
// enabled so a message is never silently lost.
type LogMessenger struct {
	log Logger
}

// NewLogMessenger creates the log-backed messenger.
func NewLogMessenger(log Logger) *LogMessenger {
	return &LogMessenger{log: log}
}

// Name returns the channel name for logging.
func (l *LogMessenger) Name() string { return "log" }

// Send logs the message fields at Info level.
func (l *LogMessenger) Send(_ context.Context, msg Message) error {
	l.log.Info("wallet message",
		"agent", msg.Agent,
		"wallet", msg.Address,
		"text", msg.Text,
		"timestamp", msg.Timestamp.String(),
	)
	return nil
}
