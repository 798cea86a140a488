// Package main runs the NFC manager agent. It drives a host reader through
// libnfc or PC/SC, or accepts companion phones over a websocket, and exposes
// the result in the system tray or on the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyne.io/systray"
	"go.uber.org/zap"

	"github.com/dotside-studios/davi-nfc-manager/buildinfo"
	"github.com/dotside-studios/davi-nfc-manager/internal/config"
	"github.com/dotside-studios/davi-nfc-manager/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", buildinfo.Name, err)
		os.Exit(2)
	}
	if cfg.Version {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", buildinfo.Name, err)
		os.Exit(2)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	logger.Info("starting "+buildinfo.DisplayName, append(buildinfo.Fields(), zap.String("driver", cfg.Driver))...)
	agent := NewAgent(cfg, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run in CLI mode only if explicitly requested
	if cfg.CLI {
		if err := runCLI(agent, sigChan); err != nil {
			logger.Fatal("failed to start agent", zap.Error(err))
		}
		return
	}

	go func() {
		<-sigChan
		systray.Quit()
	}()
	NewSystrayApp(agent, logger).Run()
}

// runCLI starts the agent, listens for tags until a signal arrives, then stops.
func runCLI(agent *Agent, sigChan <-chan os.Signal) error {
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()

	if agent.cfg.Driver != config.DriverRemote {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := agent.Listen(ctx)
		cancel()
		if err != nil {
			agent.logger.Warn("could not start listening", zap.Error(err))
		}
	}

	<-sigChan
	agent.logger.Info("shutdown signal received")
	return nil
}
