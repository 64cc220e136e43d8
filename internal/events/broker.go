package events

import (
	"time"

	"go.uber.org/zap"
)

// Event types carried by the broker.
const (
	TypeState      = "state"
	TypeBuildLog   = "build-log"
	TypeRuntimeLog = "runtime-log"
)

// Event is a single occurrence in a deployment's life: a state
// transition or a line of build or runtime output.
type Event struct {
	DeploymentID string    `json:"deployment_id"`
	Project      string    `json:"project"`
	Type         string    `json:"type"`
	State        string    `json:"state,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type subscription struct {
	deploymentID string
	ch           chan Event
}

// Streams for a deployment end once it reaches a state it can never
// leave.
func terminalState(s string) bool {
	return s == "error" || s == "deleted"
}

// Broker fans deployment events out to per-deployment subscribers.
// A single goroutine owns the client map; subscribers that fall
// behind lose events rather than stalling publishers.
type Broker struct {
	log *zap.Logger

	subscribing   chan subscription
	unsubscribing chan chan Event
	events        chan Event
	done          chan struct{}

	// Called inline for every event, before fan-out. Set before
	// Start; used to feed the AMQP exchange.
	forward func(Event)
}

func NewBroker(log *zap.Logger) *Broker {
	return &Broker{
		log:           log,
		subscribing:   make(chan subscription),
		unsubscribing: make(chan chan Event),
		events:        make(chan Event, 256),
		done:          make(chan struct{}),
	}
}

// Forward installs a tap invoked for every published event. Must be
// called before Start.
func (b *Broker) Forward(fn func(Event)) {
	b.forward = fn
}

func (b *Broker) Start() {
	go b.run()
}

func (b *Broker) Stop() {
	close(b.done)
}

// Subscribe registers interest in one deployment's events. The
// returned cancel func must be called when the consumer is done; the
// channel is closed by the broker, either on cancel or when the
// deployment reaches a terminal state.
func (b *Broker) Subscribe(deploymentID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	select {
	case b.subscribing <- subscription{deploymentID: deploymentID, ch: ch}:
	case <-b.done:
		close(ch)
		return ch, func() {}
	}

	cancel := func() {
		select {
		case b.unsubscribing <- ch:
		case <-b.done:
		}
	}
	return ch, cancel
}

// Publish hands an event to the broker. It never blocks the caller;
// if the broker's buffer is full the event is dropped.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.events <- ev:
	case <-b.done:
	default:
		b.log.Warn("event broker saturated, dropping event",
			zap.String("deployment_id", ev.DeploymentID),
			zap.String("type", ev.Type),
		)
	}
}

func (b *Broker) run() {
	clients := make(map[chan Event]string)

	for {
		select {
		case sub := <-b.subscribing:
			clients[sub.ch] = sub.deploymentID

		case ch := <-b.unsubscribing:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.events:
			if b.forward != nil {
				b.forward(ev)
			}
			terminal := ev.Type == TypeState && terminalState(ev.State)
			for ch, id := range clients {
				if id != ev.DeploymentID {
					continue
				}
				select {
				case ch <- ev:
				default:
				}
				if terminal {
					delete(clients, ch)
					close(ch)
				}
			}

		case <-b.done:
			for ch := range clients {
				close(ch)
			}
			return
		}
	}
}
