package agent

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/opd-ai/trainlink/packet"
)

// Operational status values reported in telemetry.
const (
	StatusPowerOn  = "POWER_ON"
	StatusPowerOff = "POWER_OFF"
)

// MaxSpeed is the top speed of the simulated drivetrain in km/h.
const MaxSpeed = 60

// Brake indicator values. The brake reads applied exactly when the vehicle
// is stopped.
const (
	brakeApplied  = "applied"
	brakeReleased = "released"
)

// stationAdvanceFrames is how many processed video frames pass between
// station arrivals on the simulated line.
const stationAdvanceFrames = 300

// station is one stop on the simulated loop line.
type station struct {
	name string
	gps  packet.GPS
}

var stations = []station{
	{"Hauptbahnhof", packet.GPS{Latitude: 48.7839, Longitude: 9.1829}},
	{"Stadtmitte", packet.GPS{Latitude: 48.7758, Longitude: 9.1710}},
	{"Universitaet", packet.GPS{Latitude: 48.7470, Longitude: 9.1039}},
	{"Flughafen", packet.GPS{Latitude: 48.6900, Longitude: 9.1938}},
	{"Messe", packet.GPS{Latitude: 48.6920, Longitude: 9.2090}},
}

// TelemetrySimulator models the state of a vehicle without real sensors.
// Speed, status and direction track the commands the agent applies; the
// rest (position on a loop line, consumables, passenger load) evolves on
// its own so consoles see a live-looking record every tick.
//
// Battery and fuel drain a little with every snapshot taken, and the
// vehicle advances one station per [stationAdvanceFrames] processed video
// frames.
type TelemetrySimulator struct {
	mu sync.Mutex

	rng *rand.Rand
	now func() time.Time

	name      string
	trainID   string
	status    string
	direction string
	speed     int

	batteryLevel float64
	fuelLevel    float64

	stationIndex   int
	framesSeen     int
	temperature    int
	signalStrength int
	passengers     int

	videoStreamURL string
}

// NewTelemetrySimulator returns a powered-on vehicle at the first station,
// moving forward at top speed with partially charged consumables.
func NewTelemetrySimulator(trainID string) *TelemetrySimulator {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &TelemetrySimulator{
		rng:          rng,
		now:          time.Now,
		name:         fmt.Sprintf("Train %s", trainID),
		trainID:      trainID,
		status:       StatusPowerOn,
		direction:    packet.DirectionForward,
		speed:        MaxSpeed,
		batteryLevel: 70 + rng.Float64()*29,
		fuelLevel:    70 + rng.Float64()*29,
	}
	s.arriveAtStation()
	return s
}

// arriveAtStation refreshes everything that changes when the vehicle
// stops somewhere new. Callers hold s.mu (or the constructor).
func (s *TelemetrySimulator) arriveAtStation() {
	s.temperature = 18 + s.rng.Intn(13)
	s.signalStrength = 60 + s.rng.Intn(40)
	s.passengers = 100 + s.rng.Intn(101)
}

// SetSpeed applies a new speed, rejecting values outside 0..MaxSpeed.
func (s *TelemetrySimulator) SetSpeed(speed int) error {
	if speed < 0 || speed > MaxSpeed {
		return fmt.Errorf("speed %d outside range 0..%d", speed, MaxSpeed)
	}

	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()
	return nil
}

// Speed returns the current speed.
func (s *TelemetrySimulator) Speed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// SetStatus records the power status.
func (s *TelemetrySimulator) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetDirection records the direction of travel.
func (s *TelemetrySimulator) SetDirection(direction string) {
	s.mu.Lock()
	s.direction = direction
	s.mu.Unlock()
}

// SetVideoStreamURL records the URL advertised in telemetry.
func (s *TelemetrySimulator) SetVideoStreamURL(url string) {
	s.mu.Lock()
	s.videoStreamURL = url
	s.mu.Unlock()
}

// NotifyFrameProcessed counts one sent video frame and advances the
// vehicle to the next station every stationAdvanceFrames frames.
func (s *TelemetrySimulator) NotifyFrameProcessed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.framesSeen++
	if s.framesSeen%stationAdvanceFrames != 0 {
		return
	}

	if s.direction == packet.DirectionBackward {
		s.stationIndex = (s.stationIndex - 1 + len(stations)) % len(stations)
	} else {
		s.stationIndex = (s.stationIndex + 1) % len(stations)
	}
	s.arriveAtStation()
}

// Snapshot assembles one telemetry record, then drains the consumables,
// so the first snapshot reflects the initial charge levels.
func (s *TelemetrySimulator) Snapshot() packet.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := stations[s.stationIndex]
	next := stations[(s.stationIndex+1)%len(stations)]
	if s.direction == packet.DirectionBackward {
		next = stations[(s.stationIndex-1+len(stations))%len(stations)]
	}

	brake := brakeReleased
	if s.speed == 0 {
		brake = brakeApplied
	}

	engineTemperature := 70 + s.rng.Intn(26)
	if s.status == StatusPowerOff {
		engineTemperature = 20 + s.rng.Intn(6)
	}

	record := packet.Telemetry{
		Name:                  s.name,
		TrainID:               s.trainID,
		Status:                s.status,
		Direction:             s.direction,
		Speed:                 s.speed,
		MaxSpeed:              MaxSpeed,
		BrakeStatus:           brake,
		Location:              current.name,
		NextStation:           next.name,
		PassengerCount:        s.passengers,
		Temperature:           s.temperature,
		EngineTemperature:     engineTemperature,
		BatteryLevel:          roundTenth(s.batteryLevel),
		FuelLevel:             roundTenth(s.fuelLevel),
		NetworkSignalStrength: s.signalStrength,
		VideoStreamURL:        s.videoStreamURL,
		GPS:                   current.gps,
		Timestamp:             s.now().UnixMilli(),
	}

	s.drainConsumables()
	return record
}

// drainConsumables burns 0.1 to 0.4 percent of battery and fuel, flooring
// at zero. Callers hold s.mu.
func (s *TelemetrySimulator) drainConsumables() {
	s.batteryLevel -= 0.1 + s.rng.Float64()*0.3
	if s.batteryLevel < 0 {
		s.batteryLevel = 0
	}
	s.fuelLevel -= 0.1 + s.rng.Float64()*0.3
	if s.fuelLevel < 0 {
		s.fuelLevel = 0
	}
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// IMUSimulator reports a fixed inertial profile describing a level vehicle
// on straight track.
type IMUSimulator struct {
	now func() time.Time
}

// NewIMUSimulator returns a simulator using the wall clock.
func NewIMUSimulator() *IMUSimulator {
	return &IMUSimulator{now: time.Now}
}

// Sample returns the current inertial reading.
func (s *IMUSimulator) Sample() packet.IMUSample {
	return packet.IMUSample{
		AccelX:    0.01,
		AccelY:    -0.02,
		AccelZ:    9.81,
		GyroX:     0.001,
		GyroY:     0.002,
		GyroZ:     0.003,
		Timestamp: s.now().UnixMilli(),
	}
}
