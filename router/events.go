package router

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/metrics"
	"github.com/opd-ai/trainlink/packet"
	"github.com/opd-ai/trainlink/registry"
)

// Hooks are optional observer callbacks mirrored off the registry event
// stream. The relay facade uses them for its public lifecycle callbacks and
// for the simulated-train hooks; unset fields are skipped. Callbacks run on
// the event loop goroutine, so they must not block.
type Hooks struct {
	TrainConnected    func(trainID string)
	TrainDisconnected func(trainID string)
	Bound             func(consoleID, trainID string)
	ConsoleAdded      func(consoleID string)
	ConsoleRemoved    func(consoleID string)
}

// SetHooks installs the observer callbacks. Must be called before Start.
func (r *Router) SetHooks(hooks Hooks) {
	r.hooks = hooks
}

// eventLoop consumes the registry's state change stream and turns each
// change into the packets the fleet expects: presence notifications for
// consoles, mapping acknowledgements and start/stop instructions for
// trains.
func (r *Router) eventLoop() {
	defer r.wg.Done()

	events := r.sessions.Events()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleEvent(ev)
		}
	}
}

func (r *Router) handleEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.EventTrainAdded:
		r.announceTrain(ev.TrainID, packet.EventConnected)
		if r.hooks.TrainConnected != nil {
			r.hooks.TrainConnected(ev.TrainID)
		}
	case registry.EventTrainRemoved:
		r.announceTrain(ev.TrainID, packet.EventDisconnected)
		r.meter.Forget(ev.TrainID)
		if r.hooks.TrainDisconnected != nil {
			r.hooks.TrainDisconnected(ev.TrainID)
		}
	case registry.EventBound:
		r.acknowledgeBind(ev.TrainID, ev.ConsoleID)
		if r.hooks.Bound != nil {
			r.hooks.Bound(ev.ConsoleID, ev.TrainID)
		}
	case registry.EventStartSending:
		r.instructTrain(ev.TrainID, packet.InstructionStartSendingData)
	case registry.EventStopSending:
		r.instructTrain(ev.TrainID, packet.InstructionStopSendingData)
	case registry.EventConsoleAdded:
		if r.hooks.ConsoleAdded != nil {
			r.hooks.ConsoleAdded(ev.ConsoleID)
		}
	case registry.EventConsoleRemoved:
		if r.hooks.ConsoleRemoved != nil {
			r.hooks.ConsoleRemoved(ev.ConsoleID)
		}
	case registry.EventUnbound:
		// No packet. The train keeps streaming for remaining subscribers;
		// the empty-set transition arrives as EventStopSending.
	}
}

// announceTrain broadcasts a presence notification to every console so
// fleet lists refresh without polling.
func (r *Router) announceTrain(trainID, event string) {
	body, err := json.Marshal(&packet.Notification{
		Type:    "notification",
		TrainID: trainID,
		Event:   event,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "announceTrain",
			"train_id": trainID,
			"error":    err,
		}).Error("Failed to marshal notification")
		return
	}

	r.broadcast(&packet.Packet{PacketType: packet.PacketNotification, Data: body})
	metrics.IncNotification(event)
	logrus.WithFields(logrus.Fields{
		"function": "announceTrain",
		"train_id": trainID,
		"event":    event,
	}).Info("Announced train presence change")
}

// acknowledgeBind tells a train which console just attached. Receipt
// starts the train's clock sync handshake toward that console.
func (r *Router) acknowledgeBind(trainID, consoleID string) {
	body, err := json.Marshal(&packet.MapAck{
		Type:            "mapping_acknowledgement",
		RemoteControlID: consoleID,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "acknowledgeBind",
			"train_id":   trainID,
			"console_id": consoleID,
			"error":      err,
		}).Error("Failed to marshal mapping acknowledgement")
		return
	}

	r.sendToTrain(trainID, &packet.Packet{PacketType: packet.PacketMapAck, Data: body})
	logrus.WithFields(logrus.Fields{
		"function":   "acknowledgeBind",
		"train_id":   trainID,
		"console_id": consoleID,
	}).Info("Acknowledged console binding to train")
}

// instructTrain sends a relay-originated command, used for the start and
// stop instructions that track subscriber transitions.
func (r *Router) instructTrain(trainID, instruction string) {
	body, err := json.Marshal(&packet.Command{
		Instruction:     instruction,
		RemoteControlID: RelayOriginID,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "instructTrain",
			"train_id":    trainID,
			"instruction": instruction,
			"error":       err,
		}).Error("Failed to marshal relay command")
		return
	}

	r.sendToTrain(trainID, &packet.Packet{PacketType: packet.PacketCommand, Data: body})
	logrus.WithFields(logrus.Fields{
		"function":    "instructTrain",
		"train_id":    trainID,
		"instruction": instruction,
	}).Info("Instructed train")
}
