// Package dispatch is a reliable task-dispatch and notification layer over
// AMQP 0-9-1. The Orchestrator wires the supervised broker connection, the
// per-queue delivery engines, the domain services and the observability
// endpoint into one lifecycle:
//
//	orch, err := dispatch.New(dispatch.Config{
//		Broker: topology.ConfigFromEnv(),
//		Worker: myWorker,
//	})
//	if err != nil { ... }
//	if err := orch.Connect(ctx); err != nil { ... }
//	if err := orch.Start(ctx); err != nil { ... }
//	defer orch.Close()
//
// Every collaborator is passed in explicitly; the package holds no global
// state.
package dispatch
