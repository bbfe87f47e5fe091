package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chadrwalters/harmonyctl/internal/fsm"
	"github.com/chadrwalters/harmonyctl/internal/harmony"
	"github.com/chadrwalters/harmonyctl/internal/notify"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan the local network for Harmony hubs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		window, _ := cmd.Flags().GetDuration("window")
		a.engine.Window = window
		a.engine.OnProgress = func(h harmony.Hub) {
			fmt.Printf("found %s (%s)\n", h.FriendlyName, h.IP)
		}

		a.machine.Dispatch(fsm.Event{Type: fsm.EventDiscover})
		hubs, err := a.engine.Discover(cmd.Context())
		if err != nil {
			a.machine.Dispatch(fsm.Event{Type: fsm.EventError, Err: err})
			a.dispatcher.Handle(err)
			return err
		}
		a.machine.Dispatch(fsm.Event{Type: fsm.EventHubsFound, Hubs: hubs})
		a.manager.SetDiscovered(hubs)

		if len(hubs) == 0 {
			fmt.Println("No hubs found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tIP\tID\tFIRMWARE")
		for _, h := range hubs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.FriendlyName, h.IP, h.ID, h.HubVersion)
		}
		return w.Flush()
	},
}

var activitiesCmd = &cobra.Command{
	Use:   "activities",
	Short: "List the hub's activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.connect(cmd); err != nil {
			return err
		}
		defer a.manager.Disconnect()

		activities, err := a.manager.Activities(cmd.Context())
		if err != nil {
			a.machine.Dispatch(fsm.Event{Type: fsm.EventError, Err: err})
			a.dispatcher.Handle(err)
			return err
		}
		a.machine.Dispatch(fsm.Event{Type: fsm.EventConfigLoaded, Activities: activities})

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tACTIVE")
		for _, act := range activities {
			marker := ""
			if act.IsActive {
				marker = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", act.ID, act.Label, marker)
		}
		return w.Flush()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the hub's devices and their commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.connect(cmd); err != nil {
			return err
		}
		defer a.manager.Disconnect()

		devices, err := a.manager.Devices(cmd.Context())
		if err != nil {
			a.machine.Dispatch(fsm.Event{Type: fsm.EventError, Err: err})
			a.dispatcher.Handle(err)
			return err
		}
		a.machine.Dispatch(fsm.Event{Type: fsm.EventConfigLoaded, Devices: devices})

		for _, d := range devices {
			fmt.Printf("%s  %s (%s)\n", d.ID, d.Label, d.Type)
			for _, c := range d.Commands {
				fmt.Printf("    %-24s %s\n", c.ID, c.Label)
			}
		}
		return nil
	},
}

var startActivityCmd = &cobra.Command{
	Use:   "start-activity <activity-id>",
	Short: "Start an activity on the hub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.connect(cmd); err != nil {
			return err
		}
		defer a.manager.Disconnect()
		a.machine.Dispatch(fsm.Event{Type: fsm.EventConfigLoaded})

		if err := a.manager.StartActivity(cmd.Context(), args[0]); err != nil {
			a.machine.Dispatch(fsm.Event{Type: fsm.EventError, Err: err})
			a.dispatcher.Handle(err)
			return err
		}
		a.machine.Dispatch(fsm.Event{Type: fsm.EventActivityStarted, ActivityID: args[0]})
		a.notifier.Notify(notify.Success, "Activity started", args[0])
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <device-id> <command>",
	Short: "Send a remote-control command to a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.connect(cmd); err != nil {
			return err
		}
		defer a.manager.Disconnect()
		a.machine.Dispatch(fsm.Event{Type: fsm.EventConfigLoaded})

		if err := a.manager.ExecuteCommand(cmd.Context(), args[0], args[1]); err != nil {
			a.machine.Dispatch(fsm.Event{Type: fsm.EventError, Err: err})
			a.dispatcher.Handle(err)
			return err
		}
		a.notifier.Notify(notify.Success, "Command sent", fmt.Sprintf("%s to %s", args[1], args[0]))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection, session, and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		fmt.Printf("connection: %s\n", a.manager.State())

		if _, ok, _ := a.sessions.Get(); ok {
			fmt.Println("session:    valid")
		} else {
			fmt.Println("session:    none")
		}

		if cached, ok, _ := a.cache.Load(); ok {
			fmt.Printf("cached hub: %s (%s), %d activities, %d devices, cached %s\n",
				cached.Hub.FriendlyName, cached.Hub.IP,
				len(cached.Activities), len(cached.Devices),
				cached.Timestamp.Format("2006-01-02 15:04"))
		} else {
			fmt.Println("cached hub: none")
		}
		return nil
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Delete all cached hub data and the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.manager.ClearCache(); err != nil {
			a.dispatcher.Handle(err)
			return err
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

// connect resolves a hub (flag, fresh cache, or a discovery scan, in that
// order) and drives the manager through the connect flow.
func (a *app) connect(cmd *cobra.Command) error {
	ctx := cmd.Context()

	h, err := a.selectHub(ctx, cmd)
	if err != nil {
		a.dispatcher.Handle(err)
		return err
	}

	a.machine.Dispatch(fsm.Event{Type: fsm.EventConnect, Hub: &h})
	if err := a.manager.Connect(ctx, h); err != nil {
		a.machine.Dispatch(fsm.Event{Type: fsm.EventError, Err: err})
		a.dispatcher.Handle(err)
		return err
	}
	a.machine.Dispatch(fsm.Event{Type: fsm.EventConnected})
	return nil
}

func (a *app) selectHub(ctx context.Context, cmd *cobra.Command) (harmony.Hub, error) {
	if ip, _ := cmd.Flags().GetString("ip"); ip != "" {
		h := harmony.Hub{ID: ip, FriendlyName: ip, IP: ip}
		if err := harmony.ValidateHub(h); err != nil {
			return harmony.Hub{}, err
		}
		return h, nil
	}

	a.machine.Dispatch(fsm.Event{Type: fsm.EventLoadCache})
	if cached, ok, _ := a.cache.Load(); ok {
		a.machine.Dispatch(fsm.Event{Type: fsm.EventCacheLoaded, Cached: &cached})
		a.log.Debug().Str("hub", cached.Hub.FriendlyName).Msg("using cached hub")
		return cached.Hub, nil
	}
	a.machine.Dispatch(fsm.Event{Type: fsm.EventCacheLoaded})

	window, _ := cmd.Flags().GetDuration("window")
	a.engine.Window = window

	a.machine.Dispatch(fsm.Event{Type: fsm.EventDiscover})
	hubs, err := a.engine.Discover(ctx)
	if err != nil {
		a.machine.Dispatch(fsm.Event{Type: fsm.EventError, Err: err})
		return harmony.Hub{}, err
	}
	a.machine.Dispatch(fsm.Event{Type: fsm.EventHubsFound, Hubs: hubs})
	a.manager.SetDiscovered(hubs)

	if len(hubs) == 0 {
		return harmony.Hub{}, &harmony.NetworkError{Op: "select hub", Err: fmt.Errorf("no hubs found")}
	}
	return hubs[0], nil
}
