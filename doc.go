// Package procflow provides the building blocks of event-sourced process
// applications: an append-only notification log per application and
// pipeline presented as linked sections, a resumable reader over it, a
// synchronous prompt bus and a process engine that applies a policy to
// every upstream notification exactly once by recording the resulting
// events atomically together with a tracking record. Causal dependencies
// between pipelines are recorded with the events and checked before a
// notification is processed.
package procflow
