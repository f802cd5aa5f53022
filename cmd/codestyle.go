package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/conneroisu/prefstore/internal/codestyle"
	"github.com/conneroisu/prefstore/internal/di"
)

var codestyleMime string

var codestyleCmd = &cobra.Command{
	Use:   "codestyle <file>",
	Short: "Show which code style settings apply to a file",
	Long: `Resolve the code style preferences for file and mime type.

A file inside a directory tree containing a .prefstore directory belongs to
that project. When the project's CodeStyle/usedProfile is "project" the
project's CodeStyle/project settings win over the global ones; otherwise the
global CodeStyle/default settings apply.

Examples:
  prefstore codestyle src/Main.java --mime text/x-java
  prefstore codestyle README.md`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return withServices(cmd, func(ctx context.Context, c *di.ServiceContainer) error {
			cache, err := c.CodeStyle()
			if err != nil {
				return err
			}
			file := &codestyle.File{Path: path}
			entry := cache.ForFile(file, codestyleMime)
			if err := entry.Wait(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "source: %s\n", entry.State())
			p := entry.Preferences()
			keys, err := p.Keys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintf(out, "%s=%s\n", k, p.Get(k, ""))
			}
			runtime.KeepAlive(file)
			return nil
		})
	},
}

func init() {
	codestyleCmd.Flags().StringVarP(&codestyleMime, "mime", "m", "", "mime type of the file, e.g. text/x-java")

	rootCmd.AddCommand(codestyleCmd)
}
