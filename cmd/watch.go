package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/prefstore/internal/di"
	"github.com/conneroisu/prefstore/internal/feed"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Print changes of a subtree as they happen",
	Long: `Follow the node at path, default "/", and every node below it. Key
changes and node additions or removals are printed until interrupted,
including changes written to disk by other processes.

Examples:
  prefstore watch                 # Follow the whole user tree
  prefstore watch /editor --json  # One JSON object per change
  prefstore --system watch        # Follow shipped defaults`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var watchJSON bool

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print one JSON object per change")
}

func runWatch(cmd *cobra.Command, args []string) error {
	path := "/"
	if len(args) == 1 {
		path = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
		node, err := selectedNode(c, path)
		if err != nil {
			return err
		}
		hub, err := c.Feed()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		cancel := hub.OnMessage(func(msg feed.Message) {
			mu.Lock()
			defer mu.Unlock()
			printMessage(out, msg, watchJSON)
		})
		defer cancel()

		tree := "user"
		if useSystem {
			tree = "system"
		}
		if err := hub.Watch(tree, node); err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (press Ctrl+C to stop)\n", node.AbsolutePath())
		<-ctx.Done()
		return nil
	})
}

func printMessage(w io.Writer, msg feed.Message, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(msg)
		return
	}
	ts := msg.Timestamp.Format(time.TimeOnly)
	switch msg.Type {
	case feed.TypeChange:
		if msg.Removed {
			fmt.Fprintf(w, "%s %s: -%s\n", ts, msg.Path, msg.Key)
		} else {
			fmt.Fprintf(w, "%s %s: %s=%s\n", ts, msg.Path, msg.Key, msg.Value)
		}
	case feed.TypeNodeAdded:
		fmt.Fprintf(w, "%s %s: +node %s\n", ts, msg.Path, msg.Child)
	case feed.TypeNodeRemoved:
		fmt.Fprintf(w, "%s %s: -node %s\n", ts, msg.Path, msg.Child)
	}
}
