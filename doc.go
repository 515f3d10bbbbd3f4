// Package replyflow serves JSON request/reply command services over HTTP.
// A client POSTs {"cmd": ..., "data": ...} to a service; the command runs
// through parse, authorize and execute callbacks and the host answers with an
// ok or error envelope. Commands that cannot answer at once return an Ack and
// the exchange waits, bounded by the ack timeout, for a completion published
// under its transaction id (tid) by any host sharing the completion bus.
//
// Service hosts the services and consumes completions from the bus named in
// Config (Go channels, Kafka, RabbitMQ, AWS SNS/SQS, NATS, HTTP or MQTT). A
// minimal setup fills Config, creates a Service, registers a service with a
// CommandRouter, adds typed commands with RegisterJSONCommand or
// RegisterProtoCommand, and calls Start.
//
// # Deferred replies
//
// A command acknowledges by returning Ack, optionally naming the worker that
// will produce the reply. Reply, Login, Fail and Renew publish the completion
// from anywhere; the first completion for a tid wins and later ones are
// dropped. If the worker dies first the exchange ends with process_down.
//
// # Transports
//
//   - channel: In-memory Go channels; completions stay on one host
//   - kafka: Consumer groups over sarama
//   - rabbitmq: AMQP fanout with a queue per host
//   - aws: SNS fanout into a queue per host
//   - nats: Core NATS subjects
//   - http: Completions POSTed between hosts
//   - mqtt: Topics on an MQTT broker
//
// # Middleware
//
// Completions pass a Watermill middleware chain (correlation ids, logging,
// tracing, Prometheus metrics, retry and panic recovery). Every service binding
// gets an HTTP chain for request logging, tracing and metrics. Both chains
// are extended through ServiceDependencies.
//
// # Hooks
//
// CommandHooks observe every command a service runs; CompletionHooks observe
// every completion the host consumes. Per-command statistics are served by
// the web UI at /api/commands.
package replyflow
