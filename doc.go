// Package procflow provides an embeddable, multi-tenant process engine for
// Go: BPMN-style process graphs with user tasks, service tasks, gateways
// and events, backed by a durable job queue and a polling scheduler.
//
// # Core Concepts
//
// The programming model is small:
//
//  1. ProcessDefinition
//  2. Engine
//  3. Job queue and Scheduler
//  4. LocalRunner
//
// # ProcessDefinition
//
// A definition is a graph of elements (start/end/intermediate events,
// user and service tasks, exclusive/parallel/inclusive gateways) joined by
// sequence flows. Flows may carry a condition such as
//
//	amount > 1000 && region == 'EU'
//
// evaluated against the instance variables. Definitions are built in code
// with DefinitionBuilder or loaded from YAML/JSON files with
// LoadDefinitionsDir, and are versioned by (id, version).
//
// # Engine
//
// The Engine starts instances, parks them at user tasks and catching
// events, and continues them when a task is completed, a job finishes or
// an event is correlated. Every operation is scoped to the tenant carried
// by the context (WithTenant).
//
// Engines can be backed by:
//
//   - In-memory stores (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - PostgreSQL (several engines may share one database)
//
// with optional Redis job storage and MongoDB history in the procflowd
// daemon.
//
// # Job queue and Scheduler
//
// Service tasks, timers and thrown messages or signals become jobs. The
// scheduler (package pkg/scheduler) claims ready jobs in batches, runs them
// with bounded parallelism and applies the retry policy: failures back off
// exponentially until the attempt budget is spent, then the job is dead
// and its task is cancelled while the process keeps waiting. A dead job
// can be replayed with RetryJob.
//
// # LocalRunner
//
// LocalRunner bundles an engine and a scheduler. NewLocalRunner keeps
// everything in memory; NewSQLiteRunner and NewPostgresRunner persist it.
//
//	runner := procflow.NewLocalRunner()
//	procflow.NewDefinition("greet", 1).
//	    Start("start").
//	    ServiceTask("mail", "email", procflow.Props{"to": "{{email}}"}).
//	    End("end").
//	    Sequence("start", "mail", "end").
//	    MustRegister(runner.Engine)
//
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//	inst, _ := procflow.Start(ctx, runner.Engine, "greet", vars, "api")
//
// For a standalone server with a JSON control surface, see cmd/procflowd.
package procflow
