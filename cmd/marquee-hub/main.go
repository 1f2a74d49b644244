// Main package for the Marquee hub server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/internal/auth"
	"github.com/marqueeworks/marquee-hub/internal/bridge"
	"github.com/marqueeworks/marquee-hub/internal/config"
	"github.com/marqueeworks/marquee-hub/internal/content"
	"github.com/marqueeworks/marquee-hub/internal/dispatch"
	"github.com/marqueeworks/marquee-hub/internal/heartbeat"
	"github.com/marqueeworks/marquee-hub/internal/registry"
	"github.com/marqueeworks/marquee-hub/internal/session"
	"github.com/marqueeworks/marquee-hub/pkg/hub"
	"github.com/marqueeworks/marquee-hub/pkg/protocol"
	"github.com/marqueeworks/marquee-hub/pkg/transport"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	configPath := flag.String("config", "", "Path to a YAML config file (defaults apply when omitted)")
	listenAddress := flag.String("listen", "", "Override the listen address from the config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("Failed to load config file", zap.String("path", *configPath), zap.Error(err))
			return
		}
		cfg = loaded
	}
	if *listenAddress != "" {
		cfg.Listen.Address = *listenAddress
	}

	shutdownCtx, shutdownRelease := context.WithCancel(context.Background())
	defer shutdownRelease()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		shutdownRelease()
	}()

	//
	// Persistence + core wiring
	store, err := session.NewStore(cfg.Store)
	if err != nil {
		logger.Error("Failed to open session store", zap.Error(err))
		return
	}
	defer store.Close()

	reg := registry.CreateRegistry(logger)

	sessions := session.CreateManager(session.ManagerParams{
		Store: store,
		DropConnection: func(connId string) {
			if c := reg.Unregister(connId); c != nil {
				c.Close()
			}
		},
		Logger: logger,
	})

	loadCtx, loadRelease := context.WithTimeout(shutdownCtx, 10*time.Second)
	sessions.LoadKnownClients(loadCtx)
	loadRelease()

	codec := protocol.Codec{}

	dispatcher := dispatch.CreateDispatcher(dispatch.DispatcherParams{
		Registry: reg,
		Sessions: sessions,
		Codec:    codec,
		Logger:   logger,
	})
	defer dispatcher.Close()

	mobileBridge := bridge.CreateBridge(bridge.BridgeParams{
		Sessions:      sessions,
		Dispatcher:    dispatcher,
		Registry:      reg,
		Codec:         codec,
		Authenticator: auth.NewStaticKeyAuthenticator(cfg.Auth.MobileKeys),
		Logger:        logger,
	})
	defer mobileBridge.Close()

	messageHub := hub.CreateHub(hub.HubParams{
		Registry:   reg,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Bridge:     mobileBridge,
		Codec:      codec,
		DeviceAuth: auth.NewStaticKeyAuthenticator(cfg.Auth.DeviceKeys),
		Content:    content.NewStaticResolver(cfg.Content),
		Logger:     logger,
	})

	wsServer, wsServerErr := transport.CreateServer(transport.ServerParams{
		ListenAddress:      cfg.Listen.Address,
		ClientEndpoint:     cfg.Listen.ClientEndpoint,
		MobileEndpoint:     cfg.Listen.MobileEndpoint,
		AllowAllHosts:      cfg.Listen.AllowAllHosts,
		AllowlistedHosts:   cfg.Listen.AllowlistedHosts,
		DenylistedHosts:    cfg.Listen.DenylistedHosts,
		MaxReadMessageSize: cfg.Limits.MaxReadMessageSize,
		MaxParseErrors:     cfg.Limits.MaxParseErrors,
		Registry:           reg,
		Hub:                messageHub,
		Codec:              codec,
		Logger:             logger,
	})
	if wsServerErr != nil {
		logger.Error("Failed to create WebSocket server", zap.Error(wsServerErr))
		return
	}

	monitor := heartbeat.CreateMonitor(heartbeat.MonitorParams{
		Sessions: sessions,
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
		Logger:   logger,
	})

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Start(shutdownCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		wsServer.Start(shutdownCtx)
	}()

	wg.Wait()
	logger.Info("Marquee hub shut down cleanly")
}
