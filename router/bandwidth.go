package router

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// bandwidthWindow is the sampling period for per-train receive rates.
const bandwidthWindow = time.Second

type trainWindow struct {
	windowStart time.Time
	bytes       int64
	rate        int64
}

// Meter tracks the inbound media byte rate per train over a rolling
// one-second window. Rates are recalculated inline on every Add; a train
// that stops sending keeps its last completed window until Forget.
type Meter struct {
	mu     sync.Mutex
	trains map[string]*trainWindow
	now    func() time.Time
}

// NewMeter creates an empty bandwidth meter.
func NewMeter() *Meter {
	return &Meter{
		trains: make(map[string]*trainWindow),
		now:    time.Now,
	}
}

// Add records n received bytes for trainID, rolling the window over when a
// full second has elapsed since the window opened.
func (m *Meter) Add(trainID string, n int) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.trains[trainID]
	if !ok {
		w = &trainWindow{windowStart: now}
		m.trains[trainID] = w
	}

	w.bytes += int64(n)

	elapsed := now.Sub(w.windowStart)
	if elapsed < bandwidthWindow {
		return
	}

	w.rate = w.bytes * int64(time.Second) / int64(elapsed)
	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"train_id": trainID,
		"rate_kbs": float64(w.rate) / 1024,
	}).Debug("Video receive bandwidth sample")

	w.windowStart = now
	w.bytes = 0
}

// Rate returns the byte rate of trainID's last completed window, zero when
// the train has never completed one.
func (m *Meter) Rate(trainID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.trains[trainID]
	if !ok {
		return 0
	}
	return w.rate
}

// Rates returns a snapshot of every known train's last completed window.
func (m *Meter) Rates() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]int64, len(m.trains))
	for trainID, w := range m.trains {
		snapshot[trainID] = w.rate
	}
	return snapshot
}

// Forget drops the window state of a departed train.
func (m *Meter) Forget(trainID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.trains, trainID)
}
