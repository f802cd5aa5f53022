package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/prefstore/internal/di"
	"github.com/conneroisu/prefstore/internal/errors"
)

var getDefault string

var getCmd = &cobra.Command{
	Use:   "get <path> <key>",
	Short: "Print the value of a key",
	Long: `Print the value stored under key in the node at path.

Exits with an error when the key is absent and no --default is given.

Examples:
  prefstore get /editor/java indent
  prefstore get /editor/java indent --default 4
  prefstore --system get /editor/java indent`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			node, err := selectedNode(c, args[0])
			if err != nil {
				return err
			}
			value, ok := node.Lookup(args[1])
			if !ok {
				if !cmd.Flags().Changed("default") {
					return errors.NewValidationError(errors.ErrCodeKeyNotFound, "no value for key "+args[1]).
						WithPath(node.AbsolutePath())
				}
				value = getDefault
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <path> <key> <value>",
	Short: "Store a value",
	Long: `Store value under key in the node at path, creating the node if needed.

Examples:
  prefstore put /editor/java indent 4
  prefstore put /ui theme dark`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			node, err := writableNode(c, "put", args[0])
			if err != nil {
				return err
			}
			return node.Put(args[1], args[2])
		})
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <path> <key>",
	Aliases: []string{"remove"},
	Short:   "Remove a key",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			node, err := writableNode(c, "remove", args[0])
			if err != nil {
				return err
			}
			return node.Remove(args[1])
		})
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys <path>",
	Short: "List the keys of a node in stored order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			node, err := selectedNode(c, args[0])
			if err != nil {
				return err
			}
			keys, err := node.Keys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		})
	},
}

var childrenCmd = &cobra.Command{
	Use:   "children <path>",
	Short: "List the child nodes of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			node, err := selectedNode(c, args[0])
			if err != nil {
				return err
			}
			names, err := node.ChildrenNames()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		})
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "remove-node <path>",
	Short: "Remove a node and everything below it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			root, err := selectedRoot(c)
			if err != nil {
				return err
			}
			exists, err := root.NodeExists(args[0])
			if err != nil {
				return err
			}
			if !exists {
				return errors.NewValidationError(errors.ErrCodeNodeNotFound, "no such node").WithPath(args[0])
			}
			node, err := root.Node(args[0])
			if err != nil {
				return err
			}
			return node.RemoveNode()
		})
	},
}

func init() {
	getCmd.Flags().StringVarP(&getDefault, "default", "d", "", "value to print when the key is absent")

	rootCmd.AddCommand(getCmd, putCmd, rmCmd, keysCmd, childrenCmd, removeNodeCmd)
}
