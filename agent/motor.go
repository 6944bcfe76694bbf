package agent

import (
	"github.com/sirupsen/logrus"
)

// Motor abstracts the traction hardware. Implementations translate the
// command stream into whatever the vehicle actually drives; the relay-side
// simulation and bench setups use LogMotor.
type Motor interface {
	SetSpeed(speed int) error
	SetDirection(direction string) error
	Stop() error
}

// LogMotor accepts every actuation and logs it. It is the default motor
// for vehicles without traction control wired up.
type LogMotor struct{}

// NewLogMotor returns a motor that drives nothing.
func NewLogMotor() *LogMotor {
	return &LogMotor{}
}

// SetSpeed logs the requested speed.
func (m *LogMotor) SetSpeed(speed int) error {
	logrus.WithFields(logrus.Fields{
		"function": "SetSpeed",
		"speed":    speed,
	}).Info("Motor speed set")
	return nil
}

// SetDirection logs the requested direction.
func (m *LogMotor) SetDirection(direction string) error {
	logrus.WithFields(logrus.Fields{
		"function":  "SetDirection",
		"direction": direction,
	}).Info("Motor direction set")
	return nil
}

// Stop logs the stop.
func (m *LogMotor) Stop() error {
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Motor stopped")
	return nil
}
