package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chadrwalters/harmonyctl/internal/cache"
	"github.com/chadrwalters/harmonyctl/internal/discovery"
	"github.com/chadrwalters/harmonyctl/internal/fsm"
	"github.com/chadrwalters/harmonyctl/internal/hub"
	"github.com/chadrwalters/harmonyctl/internal/logger"
	"github.com/chadrwalters/harmonyctl/internal/notify"
	"github.com/chadrwalters/harmonyctl/internal/session"
	"github.com/chadrwalters/harmonyctl/internal/store"
)

const (
	appName    = "harmonyctl"
	appVersion = "0.1.0"
)

// app wires the components together once at startup. The connection
// manager is constructed here and passed by reference everywhere; nothing
// else may own a transport.
type app struct {
	log        zerolog.Logger
	notifier   notify.Notifier
	sessions   *session.Manager
	cache      *cache.Store
	manager    *hub.Manager
	engine     *discovery.Engine
	machine    *fsm.Machine
	dispatcher *hub.Dispatcher
}

func newApp() (*app, error) {
	log := logger.New()

	st, err := store.New()
	if err != nil {
		return nil, err
	}

	notifier := &notify.LogNotifier{Log: logger.For(log, "notify")}
	sessions := session.NewManager(st, notifier, logger.For(log, "session"))
	cacheStore := cache.New(st, logger.For(log, "cache"))

	manager := hub.NewManager(
		hub.Dial(logger.For(log, "transport")),
		sessions,
		cacheStore,
		hub.DefaultConfig(),
		logger.For(log, "hub"),
	)

	engine := discovery.NewEngine(
		discovery.NewLANListener(discovery.DefaultReplyPort, logger.For(log, "discovery")),
		manager,
		logger.For(log, "discovery"),
	)

	return &app{
		log:        log,
		notifier:   notifier,
		sessions:   sessions,
		cache:      cacheStore,
		manager:    manager,
		engine:     engine,
		machine:    fsm.NewMachine(logger.For(log, "fsm")),
		dispatcher: hub.NewDispatcher(sessions, notifier, logger.For(log, "dispatch")),
	}, nil
}

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Discover and control a Harmony hub on the local network",
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("ip", "", "Connect directly to a hub by IP, skipping discovery")
	rootCmd.PersistentFlags().Duration("window", discovery.DefaultWindow, "Discovery window")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(activitiesCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(startActivityCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
