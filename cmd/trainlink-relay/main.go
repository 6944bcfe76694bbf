// Package main runs the trainlink relay: the WebSocket, QUIC, and MQTT
// listeners, the packet router, the WebRTC signaling hub, and the HTTP
// control API, wired together behind one process.
//
// Configuration comes from the environment (HOST, FAST_API_PORT,
// QUIC_PORT, MQTT_BROKER, TLS_CERT_FILE, TLS_KEY_FILE, LOG_LEVEL) with
// flags overriding individual values.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	trainlink "github.com/opd-ai/trainlink"
	"github.com/opd-ai/trainlink/config"
	"github.com/opd-ai/trainlink/tlsconf"
)

func main() {
	cfg := config.FromEnv()

	httpAddr := flag.String("http", cfg.HTTPAddr(), "bind address of the control API, WebSocket paths, and signaling hub")
	quicAddr := flag.String("quic", cfg.QUICAddr(), "bind address of the QUIC and WebTransport listener")
	mqttURL := flag.String("mqtt", cfg.MQTTBrokerURL(), "MQTT broker URL, e.g. tcp://broker:1883; empty disables the bridge")
	certFile := flag.String("cert", cfg.TLSCertFile, "TLS certificate file, watched for renewals")
	keyFile := flag.String("key", cfg.TLSKeyFile, "TLS key file")
	selfSigned := flag.Bool("self-signed", false, "serve a generated keypair instead of reading certificate files")
	plaintext := flag.Bool("plaintext", false, "serve HTTP without TLS; implies -no-quic")
	noQUIC := flag.Bool("no-quic", false, "disable the QUIC and WebTransport listener")
	speedtestMB := flag.Int("speedtest-mb", cfg.SpeedtestMB, "size of the download measurement payload in MiB")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flag.Parse()

	cfg.LogLevel = *logLevel
	logrus.SetLevel(cfg.ParseLogLevel())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	options := trainlink.NewOptions()
	options.HTTPAddr = *httpAddr
	options.QUICAddr = *quicAddr
	options.MQTTBrokerURL = *mqttURL
	options.SpeedtestMB = *speedtestMB
	options.EnableQUIC = !*noQUIC

	if *plaintext {
		if options.EnableQUIC {
			logrus.WithFields(logrus.Fields{
				"function": "main",
			}).Warn("Plaintext mode cannot carry QUIC, disabling the listener")
			options.EnableQUIC = false
		}
	} else {
		tlsConf, err := buildTLS(ctx, *selfSigned, *certFile, *keyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tls setup failed: %v\n", err)
			fmt.Fprintf(os.Stderr, "use -self-signed for development or -plaintext to serve without TLS\n")
			os.Exit(1)
		}
		options.TLS = tlsConf
	}

	relay, err := trainlink.New(options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay setup failed: %v\n", err)
		os.Exit(1)
	}
	if err := relay.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "relay start failed: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logrus.WithFields(logrus.Fields{
		"function": "main",
		"signal":   sig.String(),
	}).Info("Shutting down")
	relay.Stop()
}

// buildTLS picks the serving keypair: a generated one for development, or
// the configured files behind a renewal watcher.
func buildTLS(ctx context.Context, selfSigned bool, certFile, keyFile string) (*tls.Config, error) {
	if selfSigned {
		return tlsconf.SelfSigned()
	}
	return tlsconf.Watch(ctx, certFile, keyFile)
}
