// Package cmd provides the command-line interface for prefstore.
//
// This package implements all CLI commands using the Cobra framework.
//
// # Available Commands
//
//   - get, put, rm: read, write and delete a single key
//   - keys, children: list the keys or child nodes of a node
//   - remove-node: delete a node and its subtree
//   - export, import: dump a subtree as YAML or JSON and load it back
//   - watch: print changes of a subtree as they happen
//   - serve: stream changes to websocket clients
//   - codestyle: show which code style settings apply to a file
//   - version: print build information
//
// # Command Examples
//
//	// Store and read a value
//	prefstore put /editor/java indent 4
//	prefstore get /editor/java indent
//
//	// Read shipped defaults
//	prefstore --system get /editor/java indent
//
//	// Dump the user tree as JSON
//	prefstore export / --format json
//
// # Configuration Integration
//
// Commands respect configuration from multiple sources in order of precedence:
//
//  1. Command-line flags (highest priority)
//  2. Environment variables (PREFSTORE_*)
//  3. Configuration file (.prefstore.yml)
//  4. Default values (lowest priority)
package cmd
