// Package notify delivers patient notifications. The booking core depends only
// on Dispatcher; transports (SendGrid, SES, SQS fan-out) plug in behind it.
package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Dispatcher sends one message to one recipient. Transport failures are
// returned as external-service errors.
type Dispatcher interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// EmailDispatcher delivers directly through an EmailSender.
type EmailDispatcher struct {
	sender EmailSender
	logger *logging.Logger
}

func NewEmailDispatcher(sender EmailSender, logger *logging.Logger) *EmailDispatcher {
	if sender == nil {
		panic("notify: email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EmailDispatcher{sender: sender, logger: logger.Component("notify")}
}

func (d *EmailDispatcher) Send(ctx context.Context, recipient, subject, body string) error {
	if strings.TrimSpace(recipient) == "" {
		return scheduling.Validation("notification recipient is required")
	}
	if err := d.sender.Send(ctx, EmailMessage{To: recipient, Subject: subject, Body: body}); err != nil {
		return scheduling.External(err, "deliver notification to %s", recipient)
	}
	return nil
}

// Sent is a delivered message captured by MemoryDispatcher.
type Sent struct {
	Recipient string
	Subject   string
	Body      string
}

// MemoryDispatcher records messages instead of sending them. Used by tests
// and the operator CLI's dry runs.
type MemoryDispatcher struct {
	mu       sync.Mutex
	sent     []Sent
	failures int
}

func NewMemoryDispatcher() *MemoryDispatcher { return &MemoryDispatcher{} }

// FailNext makes the next n sends fail with an external-service error.
func (m *MemoryDispatcher) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *MemoryDispatcher) Send(ctx context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return scheduling.External(nil, "simulated delivery failure to %s", recipient)
	}
	m.sent = append(m.sent, Sent{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

// Messages returns a copy of everything sent so far.
func (m *MemoryDispatcher) Messages() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Count returns how many messages carried a subject starting with prefix.
func (m *MemoryDispatcher) Count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if strings.HasPrefix(s.Subject, prefix) {
			n++
		}
	}
	return n
}

var (
	_ Dispatcher = (*EmailDispatcher)(nil)
	_ Dispatcher = (*MemoryDispatcher)(nil)
)
