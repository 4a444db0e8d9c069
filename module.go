package groupqueue

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Module exports the groupqueue command, used to inspect a namespace and to
// manage its dead letters.
//
//  c.AddModuleFunc(groupqueue.New)
type Module struct {
	maker QueueMaker
}

// New creates the Module.
func New(maker QueueMaker) Module {
	return Module{maker: maker}
}

// ProvideCommand implements container.CommandProvider.
func (m Module) ProvideCommand(command *cobra.Command) {
	command.AddCommand(newCommand(m.maker))
}

func newCommand(maker QueueMaker) *cobra.Command {
	var name string

	queueCmd := &cobra.Command{
		Use:   "groupqueue",
		Short: "Manage grouped queues",
		Long:  "Inspect grouped queues and manage their dead letters.",
	}
	queueCmd.PersistentFlags().StringVarP(&name, "name", "n", "default", "the name of the queue")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the size of each index",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := maker.Make(name)
			if err != nil {
				return err
			}
			info, err := queue.Info(contextOf(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "groups:  %d\n", info.Groups)
			fmt.Fprintf(out, "ready:   %d\n", info.Ready)
			fmt.Fprintf(out, "delayed: %d\n", info.Delayed)
			fmt.Fprintf(out, "leased:  %d\n", info.Leased)
			fmt.Fprintf(out, "dead:    %d\n", info.Dead)
			return nil
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Move dead jobs back to their groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := maker.Make(name)
			if err != nil {
				return err
			}
			n, err := queue.Reload(contextOf(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs reloaded\n", n)
			return nil
		},
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Evict dead jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := maker.Make(name)
			if err != nil {
				return err
			}
			if err := queue.Flush(contextOf(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "dead jobs flushed")
			return nil
		},
	}

	queueCmd.AddCommand(infoCmd, reloadCmd, flushCmd)
	return queueCmd
}

// contextOf returns the context of cmd, which is nil unless it was executed with ExecuteContext.
func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
