// Command syncstate-admin inspects and repairs the sync-state database:
// listing paired devices, removing stale state, arming remote wipes,
// resetting provisioning policies and running garbage collection on demand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openmobisync/syncstate/internal/config"
	"github.com/openmobisync/syncstate/internal/device"
	"github.com/openmobisync/syncstate/internal/maintenance"
	"github.com/openmobisync/syncstate/internal/store"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func usage() {
	fmt.Fprintf(os.Stderr, `syncstate-admin %s

Usage:
  syncstate-admin [-config PATH] <command> [flags]

Commands:
  list          List paired devices
  remove        Remove sync state for a device, user or collection
  wipe          Arm a remote wipe for a device
  policy-reset  Invalidate all provisioning policy keys
  gc            Run a garbage-collection sweep now
`, version)
}

func run() int {
	configPath := flag.String("config", "syncstate.json", "configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	args := flag.Args()[1:]

	switch flag.Arg(0) {
	case "list":
		err = cmdList(ctx, st, logger, args)
	case "remove":
		err = cmdRemove(ctx, st, logger, args)
	case "wipe":
		err = cmdWipe(ctx, st, logger, args)
	case "policy-reset":
		err = cmdPolicyReset(ctx, st, logger)
	case "gc":
		err = cmdGC(ctx, st, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func cmdList(ctx context.Context, st *store.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	user := fs.String("user", "", "restrict to one user")
	var filters filterFlags
	fs.Var(&filters, "filter", "field=pattern filter, repeatable (device, type, useragent, user)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg := device.NewRegistry(st, logger)
	entries, err := reg.ListDevices(ctx, *user, filters.m)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tTYPE\tUSER\tWIPE\tLAST SYNC")
	for _, e := range entries {
		last := "never"
		if ts, err := reg.LastSyncTimestamp(ctx, e.ID, e.User); err == nil && ts > 0 {
			last = time.Unix(ts, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Type, e.User, e.RWStatus, last)
	}
	return w.Flush()
}

func cmdRemove(ctx context.Context, st *store.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	dev := fs.String("device", "", "device id")
	user := fs.String("user", "", "user name")
	col := fs.String("collection", "", "collection folder id")
	key := fs.String("synckey", "", "single sync key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dev == "" && *user == "" && *key == "" {
		return fmt.Errorf("remove needs at least -device, -user or -synckey")
	}

	reg := device.NewRegistry(st, logger)
	return reg.RemoveState(ctx, device.RemoveOptions{
		Device:     *dev,
		User:       *user,
		Collection: *col,
		SyncKey:    *key,
	})
}

func cmdWipe(ctx context.Context, st *store.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("wipe", flag.ContinueOnError)
	dev := fs.String("device", "", "device id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dev == "" {
		return fmt.Errorf("wipe needs -device")
	}

	reg := device.NewRegistry(st, logger)
	if err := reg.SetRWStatus(ctx, *dev, device.WipeStatusPending); err != nil {
		return err
	}
	fmt.Printf("remote wipe armed for %s; it triggers on the device's next sync\n", *dev)
	return nil
}

func cmdPolicyReset(ctx context.Context, st *store.Store, logger *slog.Logger) error {
	reg := device.NewRegistry(st, logger)
	if err := reg.ResetAllPolicyKeys(ctx); err != nil {
		return err
	}
	fmt.Println("all device pairings will reprovision on next sync")
	return nil
}

func cmdGC(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) error {
	schedule := cfg.Maintenance.GCSchedule
	if schedule == "" {
		schedule = "@daily"
	}
	s, err := maintenance.NewSweeper(st, schedule, cfg.Maintenance.Parallelism, logger)
	if err != nil {
		return err
	}
	return s.RunOnce(ctx)
}

// filterFlags collects repeated -filter field=pattern flags.
type filterFlags struct {
	m map[string]string
}

func (f *filterFlags) String() string { return "" }

func (f *filterFlags) Set(v string) error {
	for i := 0; i < len(v); i++ {
		if v[i] == '=' {
			if f.m == nil {
				f.m = make(map[string]string)
			}
			f.m[v[:i]] = v[i+1:]
			return nil
		}
	}
	return fmt.Errorf("filter %q is not field=pattern", v)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
