//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/quiesce/internal/config"
	"github.com/spin-stack/quiesce/internal/host"
	"github.com/spin-stack/quiesce/internal/quiesce"
	"github.com/spin-stack/quiesce/internal/store"
	"github.com/spin-stack/quiesce/internal/version"
	"github.com/spin-stack/quiesce/services"
)

func main() {
	var (
		configFile  string
		socketPath  string
		cgroupPath  string
		debug       bool
		showVersion bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.StringVar(&socketPath, "socket", "", "Unix socket to listen on (overrides config)")
	flag.StringVar(&cgroupPath, "cgroup", "", "cgroup2 path of managed processes (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Debug log level")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("quiesced", version.Info())
		return
	}

	if debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("info")
	}

	ctx := context.Background()

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.G(ctx).WithError(err).Fatal("failed to load configuration")
	}
	if socketPath != "" {
		cfg.Paths.APISocket = socketPath
	}
	if cgroupPath != "" {
		cfg.Host.Cgroup = cgroupPath
	}
	if debug {
		cfg.Quiesce.Debug = true
	}

	if err := run(ctx, cfg); err != nil {
		log.G(ctx).WithError(err).Fatal("quiesced exited with error")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, sd := shutdown.WithShutdown(ctx)

	if err := cfg.EnsureRuntimeDirs(); err != nil {
		return err
	}

	sched, err := host.New(host.Config{
		Cgroup:       cfg.Host.Cgroup,
		PollInterval: cfg.Host.GetOnlinePollInterval(),
	})
	if err != nil {
		return fmt.Errorf("attach to host: %w", err)
	}

	ctrl, err := quiesce.New(sched, sched, quiesce.Config{
		RecentHaltWindow: cfg.Quiesce.GetRecentHaltWindow(),
		Debug:            cfg.Quiesce.Debug,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	sd.RegisterCallback(func(context.Context) error {
		ctrl.Stop()
		return nil
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start hotplug poller: %w", err)
	}
	sd.RegisterCallback(func(context.Context) error {
		sched.Stop()
		return nil
	})

	holds, err := store.Open(filepath.Join(cfg.Paths.StateDir, "holds.db"))
	if err != nil {
		return fmt.Errorf("open hold store: %w", err)
	}
	sd.RegisterCallback(func(context.Context) error {
		return holds.Close()
	})

	svc := services.NewQuiesceService(ctrl, holds)
	if err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restore holds: %w", err)
	}

	// A leftover socket from an unclean shutdown blocks the listen.
	if err := os.Remove(cfg.Paths.APISocket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", cfg.Paths.APISocket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Paths.APISocket, err)
	}

	srv := &http.Server{Handler: svc.Handler()}
	sd.RegisterCallback(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	log.G(ctx).WithFields(log.Fields{
		"socket":  cfg.Paths.APISocket,
		"cgroup":  cfg.Host.Cgroup,
		"cpus":    sched.NumCPU(),
		"version": version.Version,
	}).Info("quiesced started")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(l)
	}()

	s := make(chan os.Signal, 1)
	signal.Notify(s, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT)
	for {
		select {
		case <-sd.Done():
			if err := sd.Err(); err != nil && !errors.Is(err, shutdown.ErrShutdown) {
				log.G(ctx).WithError(err).Error("shutdown error")
			}
			return nil
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			log.G(ctx).WithError(err).Error("api server exited")
			return err
		case sig := <-s:
			log.G(ctx).WithField("signal", sig).Info("received shutdown signal")
			sd.Shutdown()
		}
	}
}
