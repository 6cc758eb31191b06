package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"refinery/pkg/calllog"
	"refinery/pkg/client"
	"refinery/pkg/config"
	"refinery/pkg/events"
	"refinery/pkg/pipeline"
	"refinery/pkg/resilience"
	"refinery/pkg/supervisor"

	"github.com/spf13/cobra"
)

// pendingPollInterval is how often the daemon adopts runs submitted through
// the CLI while it was already up.
const pendingPollInterval = time.Second

// newServeCmd creates the "refinery serve" subcommand: the foreground daemon
// that launches the server fleet and executes pipeline runs.
func newServeCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long:  "Launches every server in the manifest, keeps them alive, and executes\nsubmitted pipeline runs until stopped with SIGTERM or Ctrl-C.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if manifestPath == "" {
				manifestPath = paths.ManifestPath
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), paths, manifestPath)
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "server manifest path (default: $REFINERY_HOME/refinery.toml)")

	return cmd
}

func runServe(parent context.Context, w io.Writer, paths *Paths, manifestPath string) error {
	man, err := config.Load(manifestPath)
	if err != nil {
		return err
	}

	if status, pid, _ := DaemonStatus(paths.PIDPath); status == StatusRunning {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	if err := os.MkdirAll(paths.Home, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", paths.Home, err)
	}
	db, err := openStateDB(paths.StateDBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(parent, paths.PIDPath)
	defer cleanup()

	d := &daemon{
		w:       w,
		db:      db,
		bus:     events.NewBus(),
		clients: newClientSet(),
	}
	d.sup = supervisor.New(d.bus)
	// Server diagnostics surface on the daemon console; stdout protocol
	// traffic only in debug mode.
	d.sup.SetLogSink(func(server, stream, line string) {
		if stream == "stderr" || man.Debug {
			fmt.Fprintf(w, "[%s %s] %s\n", server, stream, line)
		}
	})
	d.logger = calllog.New(db, nil, man.Debug)
	d.layer = resilience.New(d.clients, d.logger, resilience.NewRegistry())
	d.store = pipeline.NewStore(db)
	d.engine = pipeline.NewEngine(d.store, d.layer, pipeline.DefaultExecutors(), d.bus)
	d.engine.SetMaxConcurrentRuns(man.MaxConcurrentRuns)

	go d.mirrorServerState(ctx)

	if err := d.applyManifest(ctx, man); err != nil {
		d.sup.StopAll(context.Background())
		return err
	}

	d.engine.Start(ctx)
	go d.adoptPendingRuns(ctx)

	// Manifest edits take effect without a restart: servers are diffed and
	// restarted as needed.
	go func() {
		err := config.Watch(ctx, manifestPath, func() {
			fresh, err := config.Load(manifestPath)
			if err != nil {
				fmt.Fprintf(w, "manifest reload rejected: %v\n", err)
				return
			}
			if err := d.reload(ctx, fresh); err != nil {
				fmt.Fprintf(w, "manifest reload failed: %v\n", err)
			}
		})
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(w, "manifest watch stopped: %v\n", err)
		}
	}()

	fmt.Fprintf(w, "refinery serving %d servers (PID %d)\n", len(man.Servers), os.Getpid())
	<-ctx.Done()

	fmt.Fprintln(w, "shutting down")
	d.engine.Wait()
	d.sup.StopAll(context.Background())
	return nil
}

// daemon bundles the long-lived components of one serve invocation.
type daemon struct {
	w       io.Writer
	db      *sql.DB
	bus     *events.Bus
	sup     *supervisor.Supervisor
	clients *clientSet
	logger  *calllog.Logger
	layer   *resilience.Layer
	store   *pipeline.Store
	engine  *pipeline.Engine

	manifest *config.Manifest
}

// applyManifest starts every server in the manifest and wires its client,
// criticality, and fallback strategy.
func (d *daemon) applyManifest(ctx context.Context, man *config.Manifest) error {
	for _, srv := range man.Servers {
		if err := d.startServer(ctx, srv); err != nil {
			return err
		}
	}
	d.manifest = man
	return nil
}

func (d *daemon) startServer(ctx context.Context, srv config.Server) error {
	// Client before Start: the stdout handler must be in place when the
	// first response line arrives.
	c := client.New(srv.Name, d.sup, d.bus)
	d.clients.add(srv.Name, c)

	d.layer.SetCritical(srv.Name, srv.Critical)
	d.layer.Registry().Register(srv.Name, strategyFor(srv.Fallback))

	desc := supervisor.Descriptor{
		Name:        srv.Name,
		Command:     srv.Command,
		Args:        srv.Args,
		Env:         srv.Env,
		Critical:    srv.Critical,
		AutoRestart: srv.AutoRestart,
		MaxRestarts: srv.MaxRestarts,
	}
	if err := d.sup.Start(ctx, desc); err != nil {
		return fmt.Errorf("start %s: %w", srv.Name, err)
	}
	d.upsertServerState(ctx, srv.Name)
	return nil
}

// strategyFor maps a manifest fallback block to its strategy.
func strategyFor(fb config.Fallback) resilience.Strategy {
	switch fb.Mode {
	case config.FallbackTemplate:
		var data []byte
		if fb.Data != "" {
			data = []byte(fb.Data)
		}
		return resilience.TemplateStrategy{Message: fb.Message, Data: data}
	default:
		return resilience.NoopStrategy{Message: fb.Message}
	}
}

// reload diffs the fresh manifest against the running one. New servers start,
// removed servers stop, changed servers restart with the new descriptor.
// Concurrency and debug changes need a daemon restart and are only noted.
func (d *daemon) reload(ctx context.Context, fresh *config.Manifest) error {
	old := d.manifest

	for _, prev := range old.Servers {
		if fresh.ServerByName(prev.Name) == nil {
			fmt.Fprintf(d.w, "manifest: removing server %s\n", prev.Name)
			d.clients.remove(prev.Name)
			if err := d.sup.Stop(ctx, prev.Name); err != nil {
				fmt.Fprintf(d.w, "stop %s: %v\n", prev.Name, err)
			}
			d.upsertServerState(ctx, prev.Name)
		}
	}

	for _, srv := range fresh.Servers {
		prev := old.ServerByName(srv.Name)
		switch {
		case prev == nil:
			fmt.Fprintf(d.w, "manifest: adding server %s\n", srv.Name)
			if err := d.startServer(ctx, srv); err != nil {
				return err
			}
		case !reflect.DeepEqual(*prev, srv):
			fmt.Fprintf(d.w, "manifest: restarting server %s\n", srv.Name)
			d.clients.remove(srv.Name)
			if err := d.sup.Stop(ctx, srv.Name); err != nil {
				fmt.Fprintf(d.w, "stop %s: %v\n", srv.Name, err)
			}
			if err := d.startServer(ctx, srv); err != nil {
				return err
			}
		}
	}

	if fresh.MaxConcurrentRuns != old.MaxConcurrentRuns || fresh.Debug != old.Debug {
		fmt.Fprintln(d.w, "manifest: max_concurrent_runs/debug changes take effect on daemon restart")
	}
	d.manifest = fresh
	return nil
}

// mirrorServerState keeps the server_state table in sync with supervisor
// lifecycle events so the CLI and dashboard can read fleet health without
// talking to the daemon.
func (d *daemon) mirrorServerState(ctx context.Context) {
	ch, cancel := d.bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Kind {
			case events.KindServerStarted, events.KindServerExited, events.KindServerError:
				d.upsertServerState(ctx, e.Server)
				if e.Kind == events.KindServerError && e.Err != "" {
					fmt.Fprintf(d.w, "server %s: %s\n", e.Server, e.Err)
				}
			}
		}
	}
}

func (d *daemon) upsertServerState(ctx context.Context, name string) {
	st, err := d.sup.Status(name)
	if err != nil {
		// Removed from the fleet.
		_, _ = d.db.ExecContext(ctx, `DELETE FROM server_state WHERE name = ?`, name)
		return
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO server_state (name, state, pid, restarts, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(name) DO UPDATE SET
		   state = excluded.state, pid = excluded.pid, restarts = excluded.restarts,
		   last_error = excluded.last_error, updated_at = excluded.updated_at`,
		st.Name, st.State, st.PID, st.Restarts, st.LastErr)
	if err != nil {
		fmt.Fprintf(d.w, "server_state update failed for %s: %v\n", name, err)
	}
}

// adoptPendingRuns polls for runs inserted by `refinery run submit` and
// queues them. Ids are deduplicated so a run waiting for a worker is not
// enqueued again on the next tick.
func (d *daemon) adoptPendingRuns(ctx context.Context) {
	seen := make(map[string]bool)
	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := d.store.PendingRunIDs(ctx)
			if err != nil {
				continue
			}
			live := make(map[string]bool, len(ids))
			for _, id := range ids {
				live[id] = true
				if seen[id] {
					continue
				}
				if err := d.engine.Enqueue(id); err != nil {
					fmt.Fprintf(d.w, "enqueue run %s: %v\n", id, err)
					continue
				}
				seen[id] = true
			}
			// Runs no longer pending fall out of the dedup set.
			for id := range seen {
				if !live[id] {
					delete(seen, id)
				}
			}
		}
	}
}
