package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/prefstore/internal/di"
	"github.com/conneroisu/prefstore/internal/prefs"
)

// exportNode is the YAML/JSON form of a preference subtree.
type exportNode struct {
	Name     string            `yaml:"name" json:"name"`
	Values   map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
	Children []*exportNode     `yaml:"children,omitempty" json:"children,omitempty"`
}

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Dump a subtree as YAML or JSON",
	Long: `Dump the node at path, default "/", and every node below it.

Examples:
  prefstore export
  prefstore export /editor --format json
  prefstore --system export > defaults.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			node, err := selectedNode(c, path)
			if err != nil {
				return err
			}
			tree, err := collect(node)
			if err != nil {
				return err
			}
			return encodeExport(cmd.OutOrStdout(), tree, exportFormat)
		})
	},
}

var importFormat string

var importCmd = &cobra.Command{
	Use:   "import <file> [path]",
	Short: "Load values from an export file",
	Long: `Store every value of an export file below path, default "/".
Existing keys not in the file are kept. Use "-" to read standard input.

Examples:
  prefstore import backup.yml
  prefstore import editor.json /editor --format json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		format := importFormat
		if format == "" && strings.HasSuffix(args[0], ".json") {
			format = "json"
		}
		var tree exportNode
		if format == "json" {
			err = json.Unmarshal(data, &tree)
		} else {
			err = yaml.Unmarshal(data, &tree)
		}
		if err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}

		path := "/"
		if len(args) == 2 {
			path = args[1]
		}
		return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
			node, err := writableNode(c, "import", path)
			if err != nil {
				return err
			}
			n, err := apply(node, &tree)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d values\n", n)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "yaml", "output format (yaml, json)")
	importCmd.Flags().StringVarP(&importFormat, "format", "f", "", "input format (yaml, json); guessed from the file name")

	rootCmd.AddCommand(exportCmd, importCmd)
}

func collect(p prefs.Preferences) (*exportNode, error) {
	out := &exportNode{Name: p.Name()}
	keys, err := p.Keys()
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		out.Values = make(map[string]string, len(keys))
		for _, k := range keys {
			out.Values[k], _ = p.Lookup(k)
		}
	}
	names, err := p.ChildrenNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		child, err := p.Node(name)
		if err != nil {
			return nil, err
		}
		c, err := collect(child)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, c)
	}
	return out, nil
}

// apply stores the values of tree into p and its descendants. The name of
// the top node is ignored.
func apply(p prefs.Preferences, tree *exportNode) (int, error) {
	count := 0
	for k, v := range tree.Values {
		if err := p.Put(k, v); err != nil {
			return count, err
		}
		count++
	}
	for _, child := range tree.Children {
		if child == nil || child.Name == "" {
			continue
		}
		c, err := p.Node(child.Name)
		if err != nil {
			return count, err
		}
		n, err := apply(c, child)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

func encodeExport(w io.Writer, tree *exportNode, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tree)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", format)
	}
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}
