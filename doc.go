// Package ordersaga coordinates an order-fulfillment transaction across
// independent inventory and payment services using the saga pattern.
//
// The services are reachable only through asynchronous messages, so no
// distributed ACID transaction is available. Instead the Orchestrator drives
// the transaction forward one step at a time, persists progress after every
// transition, and on any step failure runs the recorded compensating actions
// in reverse order to undo prior effects.
//
// Overview
//
//  1. Provide the external collaborators:
//     - A SagaStateStore for durable saga progress. MemoryStore and FileStore
//       ship with the package; PostgresStore persists to Postgres via pgx.
//     - A MessageBus for command/event delivery. MemoryBus is an in-process
//       bus suitable for tests and examples; KafkaBus speaks to a Kafka
//       cluster.
//     - An OrderRepository that can fetch order aggregates by id.
//  2. Create an Orchestrator with NewOrchestrator and call RegisterHandlers
//     so inbound events reach their saga handlers.
//  3. Call StartSaga with an Order. The call returns once the first command
//     has been dispatched; the saga then advances as events arrive.
//
// Every outbound publish passes through a Policy, which composes a circuit
// breaker around retry with exponential backoff. Transient delivery failures
// are retried and, when sustained, trip the breaker; the final outcome of a
// call routes the saga into compensation.
//
// For a runnable example see examples/order_fulfillment.
package ordersaga
