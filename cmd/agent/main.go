package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"

	"i4.energy/across/modemfleet/internal/agent"
	"i4.energy/across/modemfleet/internal/config"
	"i4.energy/across/modemfleet/internal/modemdriver"
	"i4.energy/across/modemfleet/internal/transport"
)

func main() {
	fSet := flag.CommandLine
	fSet.String("server-url", "", "Hub websocket URL to connect to, e.g. ws://server:8080/agent")
	fSet.String("device-id", "", "Device id this agent registers as (defaults to the host name)")
	fSet.Bool("auto-start-on-scan", false, "Start SMS receivers automatically on every SIM-capable port found by a scan")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(config.WithAgentDefaults(), config.WithAgentEnv(), config.WithAgentFlags(fSet))
	if err != nil {
		slog.Error("failed to load agent configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting modem fleet agent", "deviceId", cfg.DeviceID, "serverUrl", cfg.ServerURL)

	dialerFor := func(portName string) transport.Dialer {
		return transport.SerialDialer{PortName: portName, BaudRate: cfg.BaudRates[0]}
	}
	sessions := modemdriver.NewSessionRegistry(dialerFor)

	scanner := modemdriver.NewScanner(serial.GetPortsList, sessions, logger.With("component", "scanner"))
	scanner.BaudRates = cfg.BaudRates

	receiver := modemdriver.NewReceiver(sessions, logger.With("component", "receiver"))
	receiver.AutoHangup = cfg.AutoHangup

	sender := modemdriver.NewSender(sessions, logger.With("component", "sender"))
	defer sender.Close()

	client := agent.NewClient(cfg.ServerURL, cfg.DeviceID, scanner, receiver, sender, logger)
	client.AutoStartOnScan = cfg.AutoStartOnScan

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)
	cancel()

	select {
	case <-runDone:
	case <-time.After(10 * time.Second):
		logger.Warn("hub client did not shut down within the grace period")
	}

	receiver.Stop()
	sessions.CloseAll()
	logger.Info("agent shut down")
}
