package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zqzqsb/zygote/internal/server"
)

func newSpawnCmd() *cobra.Command {
	var (
		f          requestFlags
		socketPath string
	)
	cmd := &cobra.Command{
		Use:   "spawn [flags] [-- program [args...]]",
		Short: "Ask a running zygote to fork a child with this command's stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args)
			if err != nil {
				return err
			}
			if socketPath == "" {
				socketPath = cfg.Socket.Path
			}
			c, err := server.Dial(socketPath)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			reply, err := c.Fork(req, []int{0, 1, 2})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", reply.Pid, reply.RequestID)
			return nil
		},
	}
	f.bind(cmd.Flags(), true)
	cmd.Flags().StringVar(&socketPath, "socket", "", "command socket path")
	return cmd
}
