// Package registry maintains the authoritative routing table of the relay:
// which trains and consoles are reachable on which transports, and which
// train each console is driving.
//
// Design Philosophy:
// - One mutex, short critical sections; readers get snapshots
// - Every mutation keeps the forward and reverse binding indexes symmetric
// - State changes surface as typed events, never as callbacks under lock
// - Mutators are idempotent so transports can tear down without bookkeeping
//
// The registry is a passive data structure. It never touches the network;
// the router subscribes to its event stream and performs the sends that
// mutations imply (start/stop notices, map acknowledgements, fleet
// notifications).
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/metrics"
	"github.com/opd-ai/trainlink/transport"
)

// ErrUnknownTrain indicates a bind against a train the registry has never
// seen or whose last transport is gone.
var ErrUnknownTrain = errors.New("unknown train")

// Registry is the process-wide session table. The zero value is not usable;
// call New.
type Registry struct {
	mu sync.RWMutex

	// trains and consoles map endpoint ids to their live transports.
	trains   map[string]map[transport.Kind]transport.Endpoint
	consoles map[string]map[transport.Kind]transport.Endpoint

	// consoleToTrain is the binding; trainToConsoles its inverse.
	consoleToTrain  map[string]string
	trainToConsoles map[string]map[string]struct{}

	events        chan Event
	droppedEvents uint64
	closed        bool

	// bindRejected, when set, is told about binds naming absent trains.
	// The operational layer uses it to spin up a simulated train.
	bindRejected func(consoleID, trainID string)
}

// New creates an empty registry.
func New() *Registry {
	logrus.WithFields(logrus.Fields{
		"function": "New",
	}).Debug("Creating session registry")

	return &Registry{
		trains:          make(map[string]map[transport.Kind]transport.Endpoint),
		consoles:        make(map[string]map[transport.Kind]transport.Endpoint),
		consoleToTrain:  make(map[string]string),
		trainToConsoles: make(map[string]map[string]struct{}),
		events:          make(chan Event, eventQueueDepth),
	}
}

// SetBindRejectedHook installs the callback invoked when a bind names an
// absent train. Must be set before any transport starts.
func (r *Registry) SetBindRejectedHook(hook func(consoleID, trainID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindRejected = hook
}

// AddTrain registers a train endpoint. Adding a second transport for the
// same train extends its reachability; re-adding the same transport
// replaces the endpoint. The first transport announces the train to the
// fleet.
func (r *Registry) AddTrain(trainID string, endpoint transport.Endpoint) error {
	if trainID == "" {
		return errors.New("train id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	first := len(r.trains[trainID]) == 0
	if r.trains[trainID] == nil {
		r.trains[trainID] = make(map[transport.Kind]transport.Endpoint)
	}
	_, replacing := r.trains[trainID][endpoint.Kind()]
	r.trains[trainID][endpoint.Kind()] = endpoint
	if !replacing {
		metrics.IncEndpoints(endpoint.Kind().String(), transport.RoleTrain.String())
	}

	logrus.WithFields(logrus.Fields{
		"function":  "AddTrain",
		"train_id":  trainID,
		"transport": endpoint.Kind().String(),
		"first":     first,
	}).Info("Train registered")

	if first {
		r.emit(Event{Kind: EventTrainAdded, TrainID: trainID})
	}

	r.checkInvariants()
	return nil
}

// RemoveTrain removes a train's endpoint on one transport. When the last
// transport goes, every console bound to the train is unbound and the
// departure is announced. Removing an absent train is a no-op.
func (r *Registry) RemoveTrain(trainID string, kind transport.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints, ok := r.trains[trainID]
	if !ok {
		return
	}
	if _, ok := endpoints[kind]; !ok {
		return
	}
	delete(endpoints, kind)
	metrics.DecEndpoints(kind.String(), transport.RoleTrain.String())

	logrus.WithFields(logrus.Fields{
		"function":  "RemoveTrain",
		"train_id":  trainID,
		"transport": kind.String(),
		"remaining": len(endpoints),
	}).Info("Train transport removed")

	if len(endpoints) > 0 {
		r.checkInvariants()
		return
	}

	delete(r.trains, trainID)

	// Unbind every console that pointed at the departed train
	for consoleID := range r.trainToConsoles[trainID] {
		delete(r.consoleToTrain, consoleID)
		r.emit(Event{Kind: EventUnbound, TrainID: trainID, ConsoleID: consoleID})
	}
	delete(r.trainToConsoles, trainID)

	r.emit(Event{Kind: EventTrainRemoved, TrainID: trainID})
	r.checkInvariants()
}

// AddConsole registers a console endpoint. Idempotent per transport kind.
func (r *Registry) AddConsole(consoleID string, endpoint transport.Endpoint) error {
	if consoleID == "" {
		return errors.New("console id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	first := len(r.consoles[consoleID]) == 0
	if r.consoles[consoleID] == nil {
		r.consoles[consoleID] = make(map[transport.Kind]transport.Endpoint)
	}
	_, replacing := r.consoles[consoleID][endpoint.Kind()]
	r.consoles[consoleID][endpoint.Kind()] = endpoint
	if !replacing {
		metrics.IncEndpoints(endpoint.Kind().String(), transport.RoleConsole.String())
	}

	logrus.WithFields(logrus.Fields{
		"function":   "AddConsole",
		"console_id": consoleID,
		"transport":  endpoint.Kind().String(),
		"first":      first,
	}).Info("Console registered")

	if first {
		r.emit(Event{Kind: EventConsoleAdded, ConsoleID: consoleID})
	}

	r.checkInvariants()
	return nil
}

// RemoveConsole removes a console's endpoint on one transport. When the
// last transport goes the console is unbound. Removing an absent console
// is a no-op.
func (r *Registry) RemoveConsole(consoleID string, kind transport.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints, ok := r.consoles[consoleID]
	if !ok {
		return
	}
	if _, ok := endpoints[kind]; !ok {
		return
	}
	delete(endpoints, kind)
	metrics.DecEndpoints(kind.String(), transport.RoleConsole.String())

	logrus.WithFields(logrus.Fields{
		"function":   "RemoveConsole",
		"console_id": consoleID,
		"transport":  kind.String(),
		"remaining":  len(endpoints),
	}).Info("Console transport removed")

	if len(endpoints) > 0 {
		r.checkInvariants()
		return
	}

	delete(r.consoles, consoleID)
	r.unbindLocked(consoleID)
	r.emit(Event{Kind: EventConsoleRemoved, ConsoleID: consoleID})
	r.checkInvariants()
}

// Bind attaches a console to a train. A console drives at most one train;
// rebinding detaches it from the previous train first. Start and stop
// notices are emitted on the empty/non-empty transitions of the affected
// subscriber sets.
func (r *Registry) Bind(consoleID, trainID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trains[trainID]; !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "Bind",
			"console_id": consoleID,
			"train_id":   trainID,
		}).Warn("Bind rejected, unknown train")
		if r.bindRejected != nil {
			// Off the lock so the hook may inspect the registry.
			go r.bindRejected(consoleID, trainID)
		}
		return ErrUnknownTrain
	}

	previous, wasBound := r.consoleToTrain[consoleID]
	if wasBound && previous == trainID {
		return nil
	}
	if wasBound {
		r.detachLocked(consoleID, previous)
	}

	wasEmpty := len(r.trainToConsoles[trainID]) == 0
	if r.trainToConsoles[trainID] == nil {
		r.trainToConsoles[trainID] = make(map[string]struct{})
	}
	r.trainToConsoles[trainID][consoleID] = struct{}{}
	r.consoleToTrain[consoleID] = trainID

	logrus.WithFields(logrus.Fields{
		"function":   "Bind",
		"console_id": consoleID,
		"train_id":   trainID,
		"rebind":     wasBound,
	}).Info("Console bound to train")

	if wasEmpty {
		r.emit(Event{Kind: EventStartSending, TrainID: trainID})
	}
	r.emit(Event{Kind: EventBound, TrainID: trainID, ConsoleID: consoleID})

	r.checkInvariants()
	return nil
}

// Unbind detaches a console from its train. Unbinding an unbound console
// is a no-op.
func (r *Registry) Unbind(consoleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unbindLocked(consoleID)
	r.checkInvariants()
}

// unbindLocked performs Unbind under an already held write lock.
func (r *Registry) unbindLocked(consoleID string) {
	trainID, bound := r.consoleToTrain[consoleID]
	if !bound {
		return
	}
	delete(r.consoleToTrain, consoleID)
	r.detachLocked(consoleID, trainID)

	logrus.WithFields(logrus.Fields{
		"function":   "unbind",
		"console_id": consoleID,
		"train_id":   trainID,
	}).Info("Console unbound")

	r.emit(Event{Kind: EventUnbound, TrainID: trainID, ConsoleID: consoleID})
}

// detachLocked removes a console from a train's subscriber set and emits
// the stop notice on the non-empty to empty transition.
func (r *Registry) detachLocked(consoleID, trainID string) {
	subscribers, ok := r.trainToConsoles[trainID]
	if !ok {
		return
	}
	delete(subscribers, consoleID)
	if len(subscribers) == 0 {
		delete(r.trainToConsoles, trainID)
		r.emit(Event{Kind: EventStopSending, TrainID: trainID})
	}
}

// SubscribersOf returns a snapshot of the consoles bound to a train, in
// sorted order. Safe to iterate without holding any lock.
func (r *Registry) SubscribersOf(trainID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscribers := r.trainToConsoles[trainID]
	if len(subscribers) == 0 {
		return nil
	}

	snapshot := make([]string, 0, len(subscribers))
	for consoleID := range subscribers {
		snapshot = append(snapshot, consoleID)
	}
	sort.Strings(snapshot)

	return snapshot
}

// TrainOf returns the train a console is bound to.
func (r *Registry) TrainOf(consoleID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trainID, ok := r.consoleToTrain[consoleID]
	return trainID, ok
}

// ListTrains returns a sorted snapshot of every reachable train id.
func (r *Registry) ListTrains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trains := make([]string, 0, len(r.trains))
	for trainID := range r.trains {
		trains = append(trains, trainID)
	}
	sort.Strings(trains)

	return trains
}

// HasTrain reports whether a train is reachable on any transport.
func (r *Registry) HasTrain(trainID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.trains[trainID]) > 0
}

// ConsoleCount returns the number of live consoles.
func (r *Registry) ConsoleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.consoles)
}

// TrainEndpoint returns the highest-rank live endpoint for a train.
func (r *Registry) TrainEndpoint(trainID string) (transport.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return pickPreferred(r.trains[trainID])
}

// ConsoleEndpoint returns the highest-rank live endpoint for a console.
func (r *Registry) ConsoleEndpoint(consoleID string) (transport.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return pickPreferred(r.consoles[consoleID])
}

// ConsoleEndpoints returns every live endpoint of a console, highest rank
// first. The router walks this to find a datagram-capable lane.
func (r *Registry) ConsoleEndpoints(consoleID string) []transport.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := r.consoles[consoleID]
	if len(endpoints) == 0 {
		return nil
	}

	snapshot := make([]transport.Endpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		snapshot = append(snapshot, endpoint)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Kind().Rank() > snapshot[j].Kind().Rank()
	})

	return snapshot
}

// AllConsoleIDs returns a sorted snapshot of every live console id,
// bound or not. Notifications broadcast over this set.
func (r *Registry) AllConsoleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	consoles := make([]string, 0, len(r.consoles))
	for consoleID := range r.consoles {
		consoles = append(consoles, consoleID)
	}
	sort.Strings(consoles)

	return consoles
}

// AllEndpoints returns a snapshot of every live endpoint on both sides.
// The liveness scheduler scans this.
func (r *Registry) AllEndpoints() []transport.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var snapshot []transport.Endpoint
	for _, endpoints := range r.trains {
		for _, endpoint := range endpoints {
			snapshot = append(snapshot, endpoint)
		}
	}
	for _, endpoints := range r.consoles {
		for _, endpoint := range endpoints {
			snapshot = append(snapshot, endpoint)
		}
	}

	return snapshot
}

// Close shuts the event stream down. Mutations after Close still maintain
// the table but emit nothing.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
}

// pickPreferred returns the highest-rank endpoint of a transport map.
func pickPreferred(endpoints map[transport.Kind]transport.Endpoint) (transport.Endpoint, bool) {
	var best transport.Endpoint
	for _, endpoint := range endpoints {
		if best == nil || endpoint.Kind().Rank() > best.Kind().Rank() {
			best = endpoint
		}
	}
	return best, best != nil
}

// checkInvariants verifies the binding indexes are symmetric. A violation
// is a programmer error; the process aborts rather than route on a corrupt
// table. Callers hold the write lock.
func (r *Registry) checkInvariants() {
	for consoleID, trainID := range r.consoleToTrain {
		if _, ok := r.trainToConsoles[trainID][consoleID]; !ok {
			logrus.WithFields(logrus.Fields{
				"function":   "checkInvariants",
				"console_id": consoleID,
				"train_id":   trainID,
			}).Fatal("Registry invariant violated: binding missing from reverse index")
		}
	}
	for trainID, subscribers := range r.trainToConsoles {
		for consoleID := range subscribers {
			if bound, ok := r.consoleToTrain[consoleID]; !ok || bound != trainID {
				logrus.WithFields(logrus.Fields{
					"function":   "checkInvariants",
					"console_id": consoleID,
					"train_id":   trainID,
				}).Fatal("Registry invariant violated: reverse index entry without binding")
			}
		}
	}
}
