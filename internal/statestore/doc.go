// Package statestore persists pipeline execution summaries and opaque
// checkpoint payloads. The SQLite implementation is the default backend; the
// engine depends only on the Store contract.
package statestore
