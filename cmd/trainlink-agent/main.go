// Package main runs a trainlink vehicle agent: it identifies to a relay,
// streams fragmented video with telemetry and IMU reports, and obeys the
// driving commands consoles send back.
//
// Without a frame dump the agent fabricates a deterministic synthetic
// stream, which is enough to exercise a relay end to end.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/agent"
)

func main() {
	defaults := agent.NewOptions()

	trainID := flag.String("id", "", "train identity; generated when empty")
	relayHost := flag.String("relay", defaults.RelayHost, "relay HTTP host:port for WebSocket and the control API")
	quicAddr := flag.String("quic", defaults.QUICAddr, "relay QUIC host:port")
	protocol := flag.String("protocol", defaults.Protocol, "initial control protocol: WEBSOCKET or QUIC")
	useTLS := flag.Bool("tls", false, "dial the relay over wss/https")
	sourcePath := flag.String("source", "", "frame dump to replay; empty fabricates a synthetic stream")
	fps := flag.Int("fps", 30, "frame rate of the video source")
	quality := flag.String("quality", defaults.Quality, "video quality preset: low, medium, high")
	mqttURL := flag.String("mqtt", "", "MQTT broker URL for telemetry and commands; empty disables the broker path")
	latencyLog := flag.String("latency-log", "", "append command latency records to this JSONL file")
	hardwareLog := flag.String("hardware-log", "", "append hardware snapshots to this JSONL file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	options := agent.NewOptions()
	if *trainID != "" {
		options.TrainID = *trainID
	}
	options.RelayHost = *relayHost
	options.QUICAddr = *quicAddr
	options.Protocol = *protocol
	options.UseTLS = *useTLS
	options.Quality = *quality
	options.MQTTBrokerURL = *mqttURL
	options.LatencyLog = *latencyLog
	options.HardwareLog = *hardwareLog

	if *sourcePath != "" {
		source, err := agent.NewFileSource(*sourcePath, *fps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "frame source failed: %v\n", err)
			os.Exit(1)
		}
		options.Source = source
	} else {
		options.Source = agent.NewSyntheticSource(*fps, 20<<10)
	}

	a, err := agent.New(options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent setup failed: %v\n", err)
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "agent start failed: %v\n", err)
		os.Exit(1)
	}

	logrus.WithFields(logrus.Fields{
		"function": "main",
		"train_id": a.TrainID(),
		"relay":    *relayHost,
		"protocol": *protocol,
	}).Info("Agent running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logrus.WithFields(logrus.Fields{
		"function": "main",
		"signal":   sig.String(),
	}).Info("Shutting down")
	if err := a.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "agent stop failed: %v\n", err)
		os.Exit(1)
	}
}
