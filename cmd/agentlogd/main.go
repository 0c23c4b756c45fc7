/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/gravwell/agentlog/analytics"
	"github.com/gravwell/agentlog/api"
	"github.com/gravwell/agentlog/bus"
	"github.com/gravwell/agentlog/caps"
	"github.com/gravwell/agentlog/discovery"
	"github.com/gravwell/agentlog/forwarder"
	"github.com/gravwell/agentlog/ingest/config/validate"
	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/parse"
	"github.com/gravwell/agentlog/record"
	"github.com/gravwell/agentlog/registry"
	"github.com/gravwell/agentlog/sink"
	"github.com/gravwell/agentlog/tailer"
	"github.com/gravwell/agentlog/utils"
	"github.com/gravwell/agentlog/version"
	"github.com/gravwell/agentlog/wshub"
)

const (
	defaultConfigLoc = `/opt/agentlog/etc/agentlogd.conf`
	appName          = `agentlogd`

	discoveryRefresh = 30 * time.Second
)

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	ver     = flag.Bool("version", false, "Print the version information and exit")

	lg *log.Logger
)

func init() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	lg = log.New(os.Stderr) // DO NOT close this, it will prevent backtraces from firing
	lg.SetAppname(appName)
	validate.ValidateServerConfig(GetConfig, *confLoc, "")
}

func main() {
	debug.SetTraceback("all")

	cfg, err := GetConfig(*confLoc)
	if err != nil {
		lg.FatalCode(0, "failed to get configuration", log.KVErr(err))
	}
	if cfg.Global.Log_File != `` {
		fout, err := os.OpenFile(cfg.Global.Log_File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			lg.FatalCode(0, "failed to open log file", log.KV("path", cfg.Global.Log_File), log.KVErr(err))
		}
		if err = lg.AddWriter(fout); err != nil {
			lg.Fatal("failed to add a writer", log.KVErr(err))
		}
	}
	if cfg.Global.Log_Level != `` {
		if err := lg.SetLevelString(cfg.Global.Log_Level); err != nil {
			lg.FatalCode(0, "invalid Log Level", log.KV("loglevel", cfg.Global.Log_Level), log.KVErr(err))
		}
	}

	if !caps.CanReadForeignFiles() {
		lg.Warn("process does not hold DAC_OVERRIDE/DAC_READ_SEARCH; agent log files owned by other users will not be readable")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		lg.FatalCode(0, "failed to resolve home directory", log.KVErr(err))
	}

	reg, err := registry.New(filepath.Join(cfg.Global.Data_Dir, "registry.db"), homeDir, discovery.HostOS(runtime.GOOS), lg)
	if err != nil {
		lg.FatalCode(0, "failed to open agent registry", log.KVErr(err))
	}
	defer reg.Close()
	reg.Refresh()

	fwd, err := forwarder.New(filepath.Join(cfg.Global.Data_Dir, "forwarders.db"), lg)
	if err != nil {
		lg.FatalCode(0, "failed to open forwarder set", log.KVErr(err))
	}
	defer fwd.Close()

	ingress := bus.NewIngress(256, 64, filepath.Join(cfg.Global.Data_Dir, "ingress-wal"))

	sinkCfg := sink.Config{
		BatchMax:   cfg.Global.Batch_Max,
		Forwarders: fwd,
		Logger:     lg,
	}
	if w, err := cfg.Global.BatchWindow(); err == nil {
		sinkCfg.BatchWindow = w
	}
	if cfg.Global.Columnar_Endpoint != `` {
		if conn, err := net.Dial("tcp", cfg.Global.Columnar_Endpoint); err != nil {
			lg.Error("failed to dial columnar store, running without it", log.KV("endpoint", cfg.Global.Columnar_Endpoint), log.KVErr(err))
		} else if bs, err := sink.NewColumnarStore(conn); err != nil {
			lg.Error("failed to build columnar store sink", log.KVErr(err))
		} else {
			sinkCfg.Columnar = bs
		}
	}
	if cfg.Global.Search_Endpoint != `` {
		if conn, err := net.Dial("tcp", cfg.Global.Search_Endpoint); err != nil {
			lg.Error("failed to dial search index, running without it", log.KV("endpoint", cfg.Global.Search_Endpoint), log.KVErr(err))
		} else if bs, err := sink.NewSearchIndex(conn); err != nil {
			lg.Error("failed to build search index sink", log.KVErr(err))
		} else {
			sinkCfg.Search = bs
		}
	}
	if len(cfg.Global.PubSub_Brokers) > 0 {
		if pub, err := sink.NewKafkaPublisher(cfg.Global.PubSub_Brokers, lg); err != nil {
			lg.Error("failed to build pub/sub publisher, running without it", log.KVErr(err))
		} else {
			sinkCfg.PubSub = pub
		}
	}
	coord := sink.NewCoordinator(sinkCfg)
	defer coord.Close()

	engCfg := analytics.Config{}
	if si, err := cfg.Global.SnapshotInterval(); err == nil {
		engCfg.SnapshotInterval = si
	}
	engine := analytics.NewEngine(engCfg)

	hub := wshub.NewHub(nil)
	defer hub.Close()

	watcher, err := tailer.NewWatcher(filepath.Join(cfg.Global.Data_Dir, "filewatch.state"))
	if err != nil {
		lg.FatalCode(0, "failed to create file watcher", log.KVErr(err))
	}
	watcher.SetLogger(lg)

	rec := &watchReconciler{
		watcher: watcher,
		ingress: ingress,
		lg:      lg,
		watched: make(map[string]bool),
	}
	rec.reconcile(reg.List())

	qc := utils.GetQuitChannel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// C5 -> C6/C7/C8 fan-out: the merged channel has exactly one reader by
	// construction, so split it here into three independently-buffered
	// legs before handing each to its single consumer.
	sinkCh := make(chan record.Record, 64)
	analyticsCh := make(chan record.Record, 64)
	streamCh := make(chan record.Record, 64)
	go fanOut(ingress.Merged(), sinkCh, analyticsCh, streamCh)

	go coord.Run(ctx, sinkCh)
	go engine.Run(ctx, analyticsCh)
	go publishStream(streamCh, hub)
	go publishAnalyticsSnapshots(ctx, engine, hub, engCfg.SnapshotInterval)

	go func() {
		ticker := time.NewTicker(discoveryRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reg.Refresh()
			case ev := <-reg.Changes():
				rec.reconcile(ev.Agents)
			case <-ctx.Done():
				return
			}
		}
	}()

	apiSrv := &api.Server{Registry: reg, Forwarder: fwd, Sink: coord, Analytics: engine, Logger: lg, DataDir: cfg.Global.Data_Dir}
	mux := http.NewServeMux()
	mux.Handle("/", apiSrv.Handler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Upgrade(w, r); err != nil {
			lg.Error("websocket upgrade failed", log.KVErr(err))
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Global.Listen_Host, cfg.Global.Listen_Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		lg.Info("listening", log.KV("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("http server exited", log.KVErr(err))
		}
	}()

	if quit, err := watcher.Catchup(qc); err != nil {
		lg.Error("failed to catch up file watcher", log.KVErr(err))
	} else if !quit {
		if err := watcher.Start(); err != nil && err != tailer.ErrNoDirsWatched {
			lg.Error("failed to start file watcher", log.KVErr(err))
		}
		lg.Info("agentlogd running")
		<-qc
	}

	lg.Info("agentlogd shutting down")
	drain, err := cfg.Global.ShutdownDrain()
	if err != nil {
		drain = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	if err := watcher.Close(); err != nil {
		lg.Error("failed to close file watcher", log.KVErr(err))
	}
	ingress.Shutdown()
	cancel()
}

// fanOut copies every record off merged onto each of outs, blocking on the
// slowest reader; C6, C7 and C8 each see every record exactly once.
func fanOut(merged <-chan record.Record, outs ...chan<- record.Record) {
	for rec := range merged {
		for _, out := range outs {
			out <- rec
		}
	}
	for _, out := range outs {
		close(out)
	}
}

func publishStream(in <-chan record.Record, hub *wshub.Hub) {
	for rec := range in {
		hub.Publish("logs:stream:"+rec.SourceID, wshub.TypeLogEntry, rec)
	}
}

func publishAnalyticsSnapshots(ctx context.Context, engine *analytics.Engine, hub *wshub.Hub, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hub.Publish("analytics", wshub.TypeAnalyticsUpdate, engine.Snapshot())
		case <-ctx.Done():
			return
		}
	}
}

// watchReconciler applies registry.ConfigChanged events to the tailer's
// watch set. It only ever adds watches: the tailer package has no
// per-directory remove primitive, so an agent deleted from the registry
// stops being probed but its existing watch (and in-flight tailing)
// lingers until process restart. This is a known simplification.
type watchReconciler struct {
	watcher *tailer.WatchManager
	ingress *bus.Ingress
	lg      *log.Logger
	watched map[string]bool
	started bool
}

func (r *watchReconciler) reconcile(agents []registry.Descriptor) {
	added := false
	for _, d := range agents {
		if !d.Enabled || r.watched[d.ID] {
			continue
		}
		if r.addAgent(d) {
			r.watched[d.ID] = true
			added = true
		}
	}
	if added && !r.started {
		if err := r.watcher.Start(); err != nil && err != tailer.ErrNoDirsWatched {
			r.lg.Error("failed to start file watcher", log.KVErr(err))
			return
		}
		r.started = true
	}
}

func (r *watchReconciler) addAgent(d registry.Descriptor) bool {
	producer := r.ingress.Source(d.ID)
	ok := false
	for i, t := range d.Targets {
		resolved, err := registry.ExpandTarget(t)
		if err != nil {
			r.lg.Warn("skipping unresolvable target", log.KV("agent", d.ID), log.KV("path", t.Path), log.KVErr(err))
			continue
		}
		for j, rw := range resolved {
			lhCfg := tailer.LogHandlerConfig{
				TagName:   d.ID,
				SourceID:  d.ID,
				AgentKind: d.Kind,
				Logger:    r.lg,
				Ctx:       r.watcher.Context(),
				Parser:    parse.New(d.Kind),
			}
			lh, err := tailer.NewLogHandler(lhCfg, producer)
			if err != nil {
				r.lg.Warn("failed to build log handler", log.KV("agent", d.ID), log.KVErr(err))
				continue
			}
			wc := tailer.WatchConfig{
				ConfigName: fmt.Sprintf("%s#%d.%d", d.ID, i, j),
				BaseDir:    rw.Dir,
				FileFilter: rw.FileFilter,
				Hnd:        lh,
			}
			if err := r.watcher.Add(wc); err != nil {
				r.lg.Warn("failed to watch target", log.KV("agent", d.ID), log.KV("dir", rw.Dir), log.KVErr(err))
				continue
			}
			ok = true
		}
	}
	return ok
}
