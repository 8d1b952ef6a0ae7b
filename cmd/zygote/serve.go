package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zqzqsb/zygote/internal/server"
	"github.com/zqzqsb/zygote/pkg/cgroup"
	"github.com/zqzqsb/zygote/pkg/pipe"
	"github.com/zqzqsb/zygote/pkg/unixsocket"
	"github.com/zqzqsb/zygote/zygote"
)

func newServeCmd() *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the zygote: fork the system server and serve fork requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socketPath != "" {
				cfg.Socket.Path = socketPath
			}
			return serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "command socket path")
	return cmd
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var groups *cgroup.ProcessGroups
	if cfg.Cgroup.Enabled {
		g, err := cgroup.NewProcessGroups(cfg.Cgroup.Root, cfg.Cgroup.Limits)
		if err != nil {
			return fmt.Errorf("cgroup: %w", err)
		}
		defer g.Close()
		groups = g
	}

	sup := zygote.NewSupervisor(zygote.SupervisorOptions{Logger: logger, Groups: groups})
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop()

	files, closeFiles, err := childStdio()
	if err != nil {
		return err
	}
	defer closeFiles()

	rt := zygote.New(zygote.Options{
		Logger:     logger,
		Supervisor: sup,
		Groups:     groups,
		Files:      files,
	})
	defer rt.Close()

	if s := cfg.SystemServer; s != nil {
		res := rt.ForkSystemServer(s.Request())
		if err := res.Wait(); err != nil {
			return fmt.Errorf("system server: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Socket.Path), 0o755); err != nil {
		return err
	}
	l, err := unixsocket.Listen(cfg.Socket.Path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(cfg.Socket.Path)
	// peers are checked by their credentials
	if err := os.Chmod(cfg.Socket.Path, 0o666); err != nil {
		return err
	}

	srv := server.New(rt, server.Options{
		Logger:      logger,
		AllowedUIDs: cfg.Socket.AllowedUIDs,
		Defaults:    &cfg.Child,
	})
	err = srv.Serve(ctx, l)
	logger.Info("zygote stopped", "children", len(sup.Children()))
	return err
}

// childStdio gives children /dev/null as stdin and the zygote log as
// stdout and stderr
func childStdio() ([]uintptr, func(), error) {
	null, err := os.Open(os.DevNull)
	if err != nil {
		return nil, nil, err
	}
	childLogger := logger.With("component", "child")
	_, stdout, err := pipe.NewLogPipe(childLogger, "stdout")
	if err != nil {
		null.Close()
		return nil, nil, err
	}
	_, stderr, err := pipe.NewLogPipe(childLogger, "stderr")
	if err != nil {
		null.Close()
		stdout.Close()
		return nil, nil, err
	}
	closeAll := func() {
		null.Close()
		stdout.Close()
		stderr.Close()
	}
	return []uintptr{null.Fd(), stdout.Fd(), stderr.Fd()}, closeAll, nil
}
