// Package fleet implements a coordinator/worker cluster that distributes
// benchmark and evaluation jobs across a fleet of worker nodes, tracks
// worker liveness, and guarantees at-least-once completion of submitted
// jobs despite worker failure.
//
// Fleet is designed as a library, not a service. A process embeds either
// the coordinator side (cluster registry, job store, health monitor,
// dispatch loop, wire server) or the worker side (the agent), and the two
// talk over a persistent WebSocket connection carrying the frame protocol
// in the wire package.
//
// # Quick Start
//
//	coord := coordinator.New(fleet.DefaultConfig(),
//	    coordinator.WithLogger(logger),
//	)
//	server := wire.NewServer(coord, wire.WithListenAddr(":50051"))
//	coord.SetSender(server)
//
//	if err := server.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	coord.Start()
//
// # Architecture
//
// A single coordinator is the authority; workers are replaceable and hold
// no shared state with each other (star topology). Jobs are split into
// tasks, tasks are dispatched to the least-loaded eligible workers, and a
// heartbeat-driven health monitor evicts silent workers and requeues
// their in-flight tasks. Coordinator restart/recovery is explicitly out
// of scope: a job survives worker failure, not coordinator failure.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package fleet
