package deployment

import (
	"strings"
	"sync"

	"hosting-service/internal/events"
)

// maxLogBytes bounds how much build and runtime output a deployment
// record retains. Older bytes are dropped first.
const maxLogBytes = 64 << 10

// logBuffer keeps the newest maxLogBytes of a log stream. Writes are
// never refused, the buffer just forgets its oldest content.
type logBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLogBuffer(max int) *logBuffer {
	return &logBuffer{max: max}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// eventWriter publishes each chunk of captured output to the event
// broker so live subscribers see logs as they are produced.
type eventWriter struct {
	broker  *events.Broker
	id      string
	project string
	typ     string
}

func (w eventWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.broker.Publish(events.Event{
			DeploymentID: w.id,
			Project:      w.project,
			Type:         w.typ,
			Message:      msg,
		})
	}
	return len(p), nil
}
