package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zqzqsb/zygote/pkg/mount"
	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/runner"
	"github.com/zqzqsb/zygote/runner/specialize"
	"github.com/zqzqsb/zygote/zygote"
)

func newRunCmd() *cobra.Command {
	var (
		f           requestFlags
		timeLimit   time.Duration
		memoryLimit runner.Size
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- program [args...]",
		Short: "Fork, specialize and run one program without a zygote, and report how it ended",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args)
			if err != nil {
				return err
			}
			if err := cfg.Child.Apply(req); err != nil {
				return err
			}
			if err := req.Validate(); err != nil {
				return err
			}
			if !cmd.Flags().Changed("time-limit") {
				timeLimit = cfg.Child.TimeLimit
			}
			if !cmd.Flags().Changed("memory-limit") {
				memoryLimit = cfg.Child.MemoryLimit
			}
			r, err := newSpecializeRunner(req)
			if err != nil {
				return err
			}
			r.Limit = specialize.Limit{TimeLimit: timeLimit, MemoryLimit: memoryLimit}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeLimit > 0 {
				// the wall clock allows for time spent blocked
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 2*timeLimit)
				defer cancel()
			}

			result := r.Run(ctx)
			fmt.Fprintln(cmd.ErrOrStderr(), result)
			switch result.Status {
			case runner.StatusNormal:
				return nil
			case runner.StatusNonzeroExitStatus:
				return &exitError{code: result.ExitStatus}
			case runner.StatusRunnerError:
				return errors.New(result.Error)
			}
			return &exitError{code: 128 + result.ExitStatus}
		},
	}
	f.bind(cmd.Flags(), false)
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "CPU time limit")
	cmd.Flags().Var(&memoryLimit, "memory-limit", "peak memory limit (e.g. 256m)")
	return cmd
}

// newSpecializeRunner prepares the one-shot runner for req
func newSpecializeRunner(req *zygote.ForkRequest) (*specialize.Runner, error) {
	limits, err := rlimit.FromTuples(req.RLimits)
	if err != nil {
		return nil, err
	}
	r := &specialize.Runner{
		Args:       req.Args,
		Env:        req.Env,
		WorkDir:    req.WorkDir,
		Files:      []uintptr{0, 1, 2},
		RLimits:    limits,
		Credential: req.Credential(),
		Dumpable:   req.EnableDebugger,
		DropCaps:   req.DropCaps,
		Logger:     logger,
	}
	if req.Seccomp != nil {
		if r.Seccomp, err = req.Seccomp.Build(); err != nil {
			return nil, fmt.Errorf("seccomp: %w", err)
		}
	}
	if len(req.Mounts) > 0 {
		if r.Mounts, err = mount.NewBuilder().WithMounts(req.Mounts).Build(); err != nil {
			return nil, fmt.Errorf("mounts: %w", err)
		}
	}
	return r, nil
}
