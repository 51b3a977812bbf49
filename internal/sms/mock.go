package sms

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records a message handed to the mock sender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records outbound messages for tests.
type MockSender struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

func NewMockSender() *MockSender {
	return &MockSender{SentMessages: []SentMessage{}}
}

func (m *MockSender) SendSMS(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SM%06d", len(m.SentMessages)), nil
}

// Sent returns a snapshot of the recorded messages.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
