// Package router implements the central routing rules of the relay fabric:
// which packets flow from trains to consoles, which flow back, and what
// happens when no route exists.
//
// The router owns no connections. Transport listeners parse and identify;
// the router receives parsed packets through the handlers it installs with
// Attach, consults the session registry for delivery decisions, and pushes
// results into endpoint outbound queues. Media and sensor fan-out runs in a
// dedicated task fed by a bounded drop-oldest channel so that one slow
// subscriber never stalls a receive loop.
//
// Design Philosophy:
//   - Subscriber sets are resolved when a packet arrives, not when it is
//     delivered. A bind that lands while an item sits in the fan-out queue
//     does not retroactively add a recipient.
//   - Errors stay local. A failed delivery to one console is counted and
//     logged; it never propagates to the sending train or other consoles.
//   - Commands without a route are dropped with a warning. The relay never
//     buffers for absent trains and never retries.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/limits"
	"github.com/opd-ai/trainlink/metrics"
	"github.com/opd-ai/trainlink/packet"
	"github.com/opd-ai/trainlink/registry"
	"github.com/opd-ai/trainlink/transport"
)

// RelayOriginID is the remote_control_id the relay writes into commands it
// originates itself, such as the start and stop instructions that follow
// subscriber transitions.
const RelayOriginID = "server"

// Routable is the slice of the session registry the router consults when
// making delivery decisions.
type Routable interface {
	// SubscribersOf returns the ids of every console bound to a train.
	SubscribersOf(trainID string) []string

	// TrainOf returns the train a console is bound to, if any.
	TrainOf(consoleID string) (string, bool)

	// TrainEndpoint returns a train's preferred live endpoint.
	TrainEndpoint(trainID string) (transport.Endpoint, bool)

	// ConsoleEndpoints returns a console's endpoints, best rank first.
	ConsoleEndpoints(consoleID string) []transport.Endpoint

	// RemoveConsole drops a console's endpoint on one transport. The
	// fan-out task calls it when a send finds the transport closed.
	RemoveConsole(consoleID string, kind transport.Kind)

	// AllConsoleIDs returns the id of every connected console.
	AllConsoleIDs() []string

	// Events returns the registry's state change stream.
	Events() <-chan registry.Event
}

// DatagramSource is implemented by listeners with an unreliable receive
// lane. Attach wires the video datagram path on listeners that have one.
type DatagramSource interface {
	RegisterDatagramHandler(handler transport.DatagramHandler)
}

// fanoutItem is one unit of work for the fan-out task. Exactly one of pkt
// and wire is set: pkt rides each subscriber's reliable lane, wire the
// datagram lane. The console set is resolved at arrival so that binds and
// unbinds landing while the item is queued do not change who receives it.
type fanoutItem struct {
	trainID  string
	consoles []string
	pkt      *packet.Packet
	wire     []byte
}

// Router applies the fabric's routing rules to every inbound packet.
//
// One Router serves all transport listeners. Install it with Attach before
// starting the listeners, then call Start to run the fan-out and registry
// event tasks.
type Router struct {
	sessions Routable
	meter    *Meter
	hooks    Hooks

	fanout        chan fanoutItem
	droppedFanout atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a Router routing against the given session registry.
func New(sessions Routable) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		sessions: sessions,
		meter:    NewMeter(),
		fanout:   make(chan fanoutItem, limits.FanoutQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Meter returns the per-train inbound bandwidth meter.
func (r *Router) Meter() *Meter {
	return r.meter
}

// Attach installs the routing rules on a transport listener. Must be called
// before the listener starts accepting connections.
func (r *Router) Attach(listener transport.Listener) {
	listener.RegisterHandler(packet.PacketVideo, r.handleMedia)
	listener.RegisterHandler(packet.PacketAudio, r.handleSensor)
	listener.RegisterHandler(packet.PacketTelemetry, r.handleSensor)
	listener.RegisterHandler(packet.PacketIMU, r.handleSensor)
	listener.RegisterHandler(packet.PacketLidar, r.handleSensor)
	listener.RegisterHandler(packet.PacketControl, r.handleCommand)
	listener.RegisterHandler(packet.PacketCommand, r.handleCommand)
	listener.RegisterHandler(packet.PacketKeepalive, r.handleKeepalive)
	listener.RegisterHandler(packet.PacketNotification, r.handleNotification)
	listener.RegisterHandler(packet.PacketRTT, r.handleRTT)
	listener.RegisterHandler(packet.PacketMapAck, r.handleMapAck)
	listener.RegisterHandler(packet.PacketRTTTrain, r.handleRTTTrain)
	for pt := packet.PacketDownloadStart; pt <= packet.PacketUploadEnd; pt++ {
		listener.RegisterHandler(pt, r.handleSpeedTest)
	}

	if source, ok := listener.(DatagramSource); ok {
		source.RegisterDatagramHandler(r.handleVideoDatagram)
	}
}

// Start launches the fan-out task and the registry event consumer.
func (r *Router) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(2)
		go r.fanoutLoop()
		go r.eventLoop()
	})
}

// Close stops both tasks and waits for them to finish. Queued fan-out items
// that were not yet delivered are discarded.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// DroppedFanout returns how many queued items the fan-out queue displaced
// under overload.
func (r *Router) DroppedFanout() uint64 {
	return r.droppedFanout.Load()
}

// handleMedia fans a video packet from a train's reliable lane out to the
// train's subscribers. The WebSocket path lands here; the QUIC datagram
// path uses handleVideoDatagram.
func (r *Router) handleMedia(from transport.Endpoint, pkt *packet.Packet) error {
	if from.Role() != transport.RoleTrain {
		logrus.WithFields(logrus.Fields{
			"function": "handleMedia",
			"endpoint": from.ID(),
		}).Warn("Dropping video packet from non-train endpoint")
		return nil
	}

	wire, err := pkt.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize video packet from %s: %w", from.ID(), err)
	}

	r.meter.Add(from.ID(), len(wire))
	r.enqueueFanout(fanoutItem{
		trainID:  from.ID(),
		consoles: r.sessions.SubscribersOf(from.ID()),
		wire:     wire,
	})
	return nil
}

// handleVideoDatagram fans a raw video datagram out to the sending train's
// subscribers. The original bytes are forwarded untouched; only the type
// byte and header length are checked.
func (r *Router) handleVideoDatagram(from transport.Endpoint, wire []byte) {
	if from.Role() != transport.RoleTrain {
		logrus.WithFields(logrus.Fields{
			"function": "handleVideoDatagram",
			"endpoint": from.ID(),
		}).Warn("Dropping datagram from non-train endpoint")
		return
	}
	if len(wire) < packet.VideoHeaderSize || packet.PacketType(wire[0]) != packet.PacketVideo {
		metrics.IncCodecError(from.Kind().String())
		logrus.WithFields(logrus.Fields{
			"function": "handleVideoDatagram",
			"endpoint": from.ID(),
			"length":   len(wire),
		}).Debug("Dropping malformed video datagram")
		return
	}

	r.meter.Add(from.ID(), len(wire))
	metrics.AddDatagramBytes(from.ID(), len(wire))
	r.enqueueFanout(fanoutItem{
		trainID:  from.ID(),
		consoles: r.sessions.SubscribersOf(from.ID()),
		wire:     wire,
	})
}

// handleSensor fans audio, telemetry, IMU, and lidar packets from a train
// out to its subscribers on their reliable lanes.
func (r *Router) handleSensor(from transport.Endpoint, pkt *packet.Packet) error {
	if from.Role() != transport.RoleTrain {
		logrus.WithFields(logrus.Fields{
			"function":    "handleSensor",
			"endpoint":    from.ID(),
			"packet_type": pkt.PacketType.String(),
		}).Warn("Dropping sensor packet from non-train endpoint")
		return nil
	}

	r.enqueueFanout(fanoutItem{
		trainID:  from.ID(),
		consoles: r.sessions.SubscribersOf(from.ID()),
		pkt:      pkt,
	})
	return nil
}

// handleCommand point-routes a command from a console to its bound train.
// The payload is forwarded opaquely; the train validates the instruction.
// A command with no route is dropped with a warning.
func (r *Router) handleCommand(from transport.Endpoint, pkt *packet.Packet) error {
	if from.Role() != transport.RoleConsole {
		logrus.WithFields(logrus.Fields{
			"function": "handleCommand",
			"endpoint": from.ID(),
		}).Warn("Dropping command from non-console endpoint")
		return nil
	}

	trainID, bound := r.sessions.TrainOf(from.ID())
	if !bound {
		metrics.IncCommandRouted(metrics.RouteNoRoute)
		logrus.WithFields(logrus.Fields{
			"function":   "handleCommand",
			"console_id": from.ID(),
		}).Warn("Dropping command from unbound console")
		return nil
	}

	endpoint, ok := r.sessions.TrainEndpoint(trainID)
	if !ok {
		metrics.IncCommandRouted(metrics.RouteNoRoute)
		logrus.WithFields(logrus.Fields{
			"function":   "handleCommand",
			"console_id": from.ID(),
			"train_id":   trainID,
		}).Warn("Dropping command, bound train has no live transport")
		return nil
	}

	if err := endpoint.Send(pkt); err != nil {
		metrics.IncCommandRouted(metrics.RouteFailed)
		return fmt.Errorf("failed to deliver command to train %s: %w", trainID, err)
	}

	metrics.IncCommandRouted(metrics.RouteDelivered)
	logrus.WithFields(logrus.Fields{
		"function":   "handleCommand",
		"console_id": from.ID(),
		"train_id":   trainID,
		"transport":  endpoint.Kind().String(),
	}).Debug("Routed command to train")
	return nil
}

// handleKeepalive consumes a keepalive. The receive loop already refreshed
// the endpoint's last-activity stamp; there is nothing to route.
func (r *Router) handleKeepalive(from transport.Endpoint, pkt *packet.Packet) error {
	if ka, err := packet.DecodeKeepalive(pkt.Data); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleKeepalive",
			"endpoint": from.ID(),
			"sequence": ka.Sequence,
		}).Debug("Keepalive received")
	}
	return nil
}

// handleNotification broadcasts a train-originated notification to every
// connected console, bound or not.
func (r *Router) handleNotification(from transport.Endpoint, pkt *packet.Packet) error {
	if from.Role() != transport.RoleTrain {
		logrus.WithFields(logrus.Fields{
			"function": "handleNotification",
			"endpoint": from.ID(),
		}).Warn("Dropping notification from non-train endpoint")
		return nil
	}

	r.broadcast(pkt)
	return nil
}

// handleRTT echoes an rtt probe straight back to its sender, either side
// measuring its round trip to the relay.
func (r *Router) handleRTT(from transport.Endpoint, pkt *packet.Packet) error {
	if err := from.Send(pkt); err != nil {
		return fmt.Errorf("failed to echo rtt probe to %s: %w", from.ID(), err)
	}
	return nil
}

// handleMapAck forwards a console's mapping acknowledgement to its bound
// train. Most acknowledgements are synthesized by the router itself on
// bind; a console sending its own is forwarded the same way.
func (r *Router) handleMapAck(from transport.Endpoint, pkt *packet.Packet) error {
	if from.Role() != transport.RoleConsole {
		logrus.WithFields(logrus.Fields{
			"function": "handleMapAck",
			"endpoint": from.ID(),
		}).Warn("Dropping map_ack from non-console endpoint")
		return nil
	}
	return r.forwardToBoundTrain("handleMapAck", from, pkt)
}

// handleRTTTrain routes the clock sync handshake. A train's probe fans out
// to its subscribers; a console's echo returns to its bound train, which
// computes the offset from the two timestamps inside.
func (r *Router) handleRTTTrain(from transport.Endpoint, pkt *packet.Packet) error {
	if from.Role() == transport.RoleTrain {
		r.enqueueFanout(fanoutItem{
			trainID:  from.ID(),
			consoles: r.sessions.SubscribersOf(from.ID()),
			pkt:      pkt,
		})
		return nil
	}
	return r.forwardToBoundTrain("handleRTTTrain", from, pkt)
}

// handleSpeedTest routes speed test signaling: progress from a train fans
// out to its subscribers, a console's request goes to its bound train.
func (r *Router) handleSpeedTest(from transport.Endpoint, pkt *packet.Packet) error {
	if from.Role() == transport.RoleTrain {
		r.enqueueFanout(fanoutItem{
			trainID:  from.ID(),
			consoles: r.sessions.SubscribersOf(from.ID()),
			pkt:      pkt,
		})
		return nil
	}
	return r.forwardToBoundTrain("handleSpeedTest", from, pkt)
}

// forwardToBoundTrain delivers a console packet to the train the console is
// bound to. Unbound consoles and unreachable trains drop with a warning.
func (r *Router) forwardToBoundTrain(caller string, from transport.Endpoint, pkt *packet.Packet) error {
	trainID, bound := r.sessions.TrainOf(from.ID())
	if !bound {
		logrus.WithFields(logrus.Fields{
			"function":    caller,
			"console_id":  from.ID(),
			"packet_type": pkt.PacketType.String(),
		}).Warn("Dropping packet from unbound console")
		return nil
	}

	endpoint, ok := r.sessions.TrainEndpoint(trainID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":    caller,
			"console_id":  from.ID(),
			"train_id":    trainID,
			"packet_type": pkt.PacketType.String(),
		}).Warn("Dropping packet, bound train has no live transport")
		return nil
	}

	if err := endpoint.Send(pkt); err != nil {
		return fmt.Errorf("failed to forward %s to train %s: %w", pkt.PacketType, trainID, err)
	}
	return nil
}

// broadcast queues a control packet for every connected console.
func (r *Router) broadcast(pkt *packet.Packet) {
	r.enqueueFanout(fanoutItem{
		consoles: r.sessions.AllConsoleIDs(),
		pkt:      pkt,
	})
}

// enqueueFanout hands an item to the fan-out task. Items with no recipients
// are discarded immediately. When the queue is full the oldest queued item
// is displaced, so a stalled fan-out task costs fresh video the least
// recent frames rather than blocking receive loops.
func (r *Router) enqueueFanout(item fanoutItem) {
	if len(item.consoles) == 0 {
		return
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case r.fanout <- item:
			return
		default:
		}

		select {
		case displaced := <-r.fanout:
			dropped := r.droppedFanout.Add(1)
			if displaced.wire != nil {
				metrics.IncVideoDrop(metrics.DropFanoutQueue)
			}
			if dropped%100 == 1 {
				logrus.WithFields(logrus.Fields{
					"function": "enqueueFanout",
					"dropped":  dropped,
				}).Warn("Fan-out queue overflow, displacing oldest items")
			}
		default:
		}
	}
}

// fanoutLoop is the single consumer of the fan-out queue.
func (r *Router) fanoutLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case item := <-r.fanout:
			r.deliver(item)
		}
	}
}

// deliver pushes one fan-out item to each resolved console. Consoles that
// disconnected while the item was queued are skipped.
func (r *Router) deliver(item fanoutItem) {
	for _, consoleID := range item.consoles {
		endpoint, ok := r.consoleRoute(consoleID)
		if !ok {
			if item.wire != nil {
				metrics.IncVideoDrop(metrics.DropSubscriber)
			}
			continue
		}

		var err error
		if item.wire != nil {
			err = endpoint.SendDatagram(item.wire)
		} else {
			err = endpoint.Send(item.pkt)
		}
		if err != nil {
			if item.wire != nil {
				metrics.IncVideoDrop(metrics.DropSubscriber)
			}
			logrus.WithFields(logrus.Fields{
				"function":   "deliver",
				"console_id": consoleID,
				"train_id":   item.trainID,
				"transport":  endpoint.Kind().String(),
				"error":      err,
			}).Warn("Failed to deliver to subscriber")

			// A closed transport means the console is gone; drop it from
			// the routing table rather than failing every queued item.
			if errors.Is(err, transport.ErrClosed) {
				r.sessions.RemoveConsole(consoleID, endpoint.Kind())
			}
		}
	}
}

// consoleRoute picks a console's preferred endpoint for fabric traffic.
// MQTT never carries fan-out; it is the telemetry ingest bus only.
func (r *Router) consoleRoute(consoleID string) (transport.Endpoint, bool) {
	for _, endpoint := range r.sessions.ConsoleEndpoints(consoleID) {
		if endpoint.Kind() == transport.KindMQTT {
			continue
		}
		return endpoint, true
	}
	return nil, false
}

// sendToTrain delivers a relay-originated packet to a train's preferred
// endpoint. Used by the registry event consumer.
func (r *Router) sendToTrain(trainID string, pkt *packet.Packet) {
	endpoint, ok := r.sessions.TrainEndpoint(trainID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":    "sendToTrain",
			"train_id":    trainID,
			"packet_type": pkt.PacketType.String(),
		}).Warn("Dropping relay packet, train has no live transport")
		return
	}

	if err := endpoint.Send(pkt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "sendToTrain",
			"train_id":    trainID,
			"packet_type": pkt.PacketType.String(),
			"error":       err,
		}).Warn("Failed to deliver relay packet to train")
	}
}
