// Package internal contains the core implementation packages for prefstore.
//
// This package follows Go's internal package convention, making these
// packages unavailable for import by external modules while providing
// all the core functionality for the prefstore CLI tool.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - properties: .properties codec that preserves comments and key order
//   - storage: one properties file per node, plus an in-memory root for tests
//   - prefs: preference trees, listeners, proxies and the user/system registry
//   - codestyle: per-document choice between project and global code style
//   - watcher: file system monitoring with debouncing
//   - worker: shared worker pool and debounced tasks
//   - feed: websocket stream of preference changes
//   - di: service container wiring the packages together
//   - config: configuration loading and validation
//   - errors: typed errors with codes and paths
//   - logging: structured logging on log/slog
//   - version: build information
//
// # Inter-Package Communication
//
//   - Trees ask a storage factory for the storage of each node
//   - Storage subscribes to the watcher and reports external edits
//   - Nodes reconcile those edits and notify listeners
//   - The feed and the code style cache listen to nodes
package internal
