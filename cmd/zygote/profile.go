package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zqzqsb/zygote/profiler"
)

func newProfileCmd() *cobra.Command {
	var (
		pid         int
		rate        int
		size        int
		eventThread int
		duration    time.Duration
		output      string
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Sample the threads of a process and print or save the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("rate") {
				rate = cfg.Profiler.Rate
			}
			if !cmd.Flags().Changed("size") {
				size = cfg.Profiler.Size
			}
			sampler, err := profiler.NewThreadSampler(pid)
			if err != nil {
				return err
			}
			s, err := profiler.New(sampler, profiler.Options{Logger: logger, Size: size})
			if err != nil {
				return err
			}
			defer s.ShutDown()

			if eventThread > 0 {
				if err := s.SetEventThread(eventThread); err != nil {
					return err
				}
			}
			if err := s.Start(rate); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case <-time.After(duration):
			case <-ctx.Done():
			}
			if err := s.Pause(); err != nil {
				return err
			}

			data, err := s.Snapshot()
			if err != nil {
				return err
			}
			stats, _ := s.Stats()
			if err := s.ShutDown(); err != nil {
				return err
			}
			if data == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "no samples")
				return nil
			}
			logger.Info("profile done", "pid", pid, "bytes", len(data), "traces", stats.Size, "collisions", stats.Collisions)
			if output != "" {
				return os.WriteFile(output, data, 0o644)
			}
			d, err := profiler.DecodeSnapshot(data)
			if err != nil {
				return err
			}
			_, err = d.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().IntVarP(&pid, "pid", "p", os.Getpid(), "process to sample")
	cmd.Flags().IntVar(&rate, "rate", 0, "samples per second")
	cmd.Flags().IntVar(&size, "size", 0, "number of distinct traces kept")
	cmd.Flags().IntVar(&eventThread, "event-thread", 0, "thread counted apart from the others")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long to sample")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the encoded snapshot to a file")
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot FILE",
		Short: "Print a snapshot written by profile --output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			d, err := profiler.DecodeSnapshot(data)
			if err != nil {
				return err
			}
			_, err = d.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
}
