package transport

import (
	"sync"
	"time"

	"github.com/opd-ai/trainlink/packet"
)

// fakeRegistrar records registrar calls for listener tests.
type fakeRegistrar struct {
	mu       sync.Mutex
	trains   map[string][]Kind
	consoles map[string][]Kind
	removed  []string
	binds    [][2]string
	bindErr  error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		trains:   make(map[string][]Kind),
		consoles: make(map[string][]Kind),
	}
}

func (f *fakeRegistrar) AddTrain(trainID string, endpoint Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trains[trainID] = append(f.trains[trainID], endpoint.Kind())
	return nil
}

func (f *fakeRegistrar) RemoveTrain(trainID string, kind Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, "train:"+trainID)
}

func (f *fakeRegistrar) AddConsole(consoleID string, endpoint Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consoles[consoleID] = append(f.consoles[consoleID], endpoint.Kind())
	return nil
}

func (f *fakeRegistrar) RemoveConsole(consoleID string, kind Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, "console:"+consoleID)
}

func (f *fakeRegistrar) Bind(consoleID, trainID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.binds = append(f.binds, [2]string{consoleID, trainID})
	return nil
}

func (f *fakeRegistrar) trainKinds(trainID string) []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Kind(nil), f.trains[trainID]...)
}

func (f *fakeRegistrar) consoleKinds(consoleID string) []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Kind(nil), f.consoles[consoleID]...)
}

func (f *fakeRegistrar) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeRegistrar) boundPairs() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.binds...)
}

// fakeEndpoint is a controllable endpoint for sweeper tests.
type fakeEndpoint struct {
	mu       sync.Mutex
	id       string
	kind     Kind
	lastSeen time.Time
	closed   bool
	reason   string
}

func (f *fakeEndpoint) ID() string                { return f.id }
func (f *fakeEndpoint) Role() Role                { return RoleTrain }
func (f *fakeEndpoint) Kind() Kind                { return f.kind }
func (f *fakeEndpoint) Send(*packet.Packet) error { return nil }
func (f *fakeEndpoint) SendDatagram([]byte) error { return nil }

func (f *fakeEndpoint) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}

func (f *fakeEndpoint) Touch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = time.Now()
}

func (f *fakeEndpoint) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeEndpoint) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
