// Package pipeline drives document executions through DAGs of processor
// stages. Definitions are TOML files; the manager schedules ready stages onto
// the worker pool, checkpoints every transition, and resumes interrupted
// executions from the state store.
package pipeline
