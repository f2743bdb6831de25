// Package api contains the core types shared by the procflow process engine,
// its stores and its scheduler. It defines process definitions, runtime
// records, the Engine contract and the collaborator interfaces an
// application plugs in.
//
// Most users interact with the higher-level procflow package, which
// re-exports selected types and adds a definition builder and runners. The
// api package is intended for custom integrations, alternative stores and
// contributors extending the engine itself.
//
// # Process Definitions
//
// A ProcessDefinition is a graph of Elements joined by SequenceFlows,
// identified by (ID, Version). Element behavior is selected by its Type and
// tuned through Properties such as "serviceType", "eventType" or "delay".
//
// Compile validates a definition and indexes it for execution:
//
//   - element and flow ids are unique
//   - flows reference existing elements
//   - at least one start event exists
//
// Elements without explicit incoming/outgoing lists get them derived from
// the flows in definition order. That order matters: exclusive gateways take
// the first flow whose condition holds.
//
// Definitions can be declared in code or loaded with LoadDefinitionYAML,
// which accepts both YAML and JSON.
//
// # Runtime Records
//
// ProcessInstance carries the variables and token bookkeeping of a running
// process. TaskInstance records a user or service task, and EngineJob is a
// unit of deferred work (service execution, timers, thrown events) owned by
// the job queue. HistoryEvent is the append-only audit trail.
//
// Every record belongs to a tenant. The tenant travels in the context:
//
//	ctx = api.WithTenant(ctx, "acme")
//
// and operations on a context without one use DefaultTenant.
//
// # Errors
//
// Engines return typed errors so callers can map them to their own surface:
// DefinitionError, NotFoundError, StateError, AuthorizationError and
// ServiceExecutionError. ErrDeferred and ErrJobObsolete are signals between
// the engine and the scheduler rather than failures.
//
// # Collaborators
//
// ServiceHandler performs the side effect of a service task. Notifier
// receives fire-and-forget notifications such as dead jobs. Authorizer
// decides who may complete a user task.
//
// # Observability
//
// The Observer interface is used by engines and schedulers to report
// process, task and job lifecycle events. LoggingObserver writes them with
// log/slog, BasicMetrics keeps in-memory counters and NewCompositeObserver
// fans out to several observers.
//
// See the procflow package documentation and cmd/procflowd for end-to-end
// usage.
package api
