package registry

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// EventKind classifies a registry mutation observable by transports.
type EventKind int

const (
	// EventTrainAdded fires when a train becomes reachable on its first
	// transport.
	EventTrainAdded EventKind = iota
	// EventTrainRemoved fires when a train's last transport disconnects.
	EventTrainRemoved
	// EventBound fires after a console is attached to a train.
	EventBound
	// EventUnbound fires after a console is detached from a train.
	EventUnbound
	// EventStartSending fires when a train's subscriber set transitions
	// from empty to non-empty.
	EventStartSending
	// EventStopSending fires when a train's subscriber set transitions
	// from non-empty to empty.
	EventStopSending
	// EventConsoleAdded fires when a console becomes reachable on its
	// first transport.
	EventConsoleAdded
	// EventConsoleRemoved fires when a console's last transport
	// disconnects.
	EventConsoleRemoved
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventTrainAdded:
		return "train_added"
	case EventTrainRemoved:
		return "train_removed"
	case EventBound:
		return "bound"
	case EventUnbound:
		return "unbound"
	case EventStartSending:
		return "start_sending"
	case EventStopSending:
		return "stop_sending"
	case EventConsoleAdded:
		return "console_added"
	case EventConsoleRemoved:
		return "console_removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one registry state change. Train events set TrainID, console
// presence events set ConsoleID, binding events set both.
type Event struct {
	Kind      EventKind
	TrainID   string
	ConsoleID string
}

// eventQueueDepth bounds the registry's event channel. The consumer is the
// router, which drains promptly; a full channel indicates it has stalled.
const eventQueueDepth = 256

// emit publishes an event without ever blocking a registry mutation.
// An overflowing channel drops the event and counts it. Callers hold the
// write lock, which serializes emit against Close.
func (r *Registry) emit(event Event) {
	if r.closed {
		return
	}
	select {
	case r.events <- event:
	default:
		r.droppedEvents++
		logrus.WithFields(logrus.Fields{
			"function":   "emit",
			"event":      event.Kind.String(),
			"train_id":   event.TrainID,
			"console_id": event.ConsoleID,
			"dropped":    r.droppedEvents,
		}).Warn("Registry event channel full, dropping event")
	}
}

// Events returns the registry's event stream. The channel is closed by
// Close; consumers range over it.
func (r *Registry) Events() <-chan Event {
	return r.events
}
