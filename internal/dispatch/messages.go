package dispatch

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// DefaultMessageHistory is how many operator messages stay visible.
const DefaultMessageHistory = 3

// MessageLog keeps the most recent operator messages and echoes each one to
// an optional writer.
type MessageLog struct {
	mu     sync.Mutex
	max    int
	lines  []string
	out    io.Writer
	logger *slog.Logger
}

// NewMessageLog creates a log keeping limit messages. out may be nil.
func NewMessageLog(limit int, out io.Writer) *MessageLog {
	if limit <= 0 {
		limit = DefaultMessageHistory
	}
	return &MessageLog{
		max:    limit,
		out:    out,
		logger: slog.With("component", "messages"),
	}
}

// Message records msg.
func (m *MessageLog) Message(msg string) {
	m.mu.Lock()
	m.lines = append(m.lines, msg)
	if len(m.lines) > m.max {
		m.lines = m.lines[len(m.lines)-m.max:]
	}
	out := m.out
	m.mu.Unlock()

	m.logger.Info(msg)
	if out != nil {
		fmt.Fprintln(out, msg)
	}
}

// Messages returns the retained messages, oldest first.
func (m *MessageLog) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

var _ MessageSink = (*MessageLog)(nil)
