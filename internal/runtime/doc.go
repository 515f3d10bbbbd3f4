/*
Package runtime hosts replyflow command services.

# Architecture Overview

A Service binds one HTTP listener per registered command service and consumes
out-of-band completions from a Watermill bus. Commands run through the
pipeline engine; acknowledged commands park on the correlation engine until a
completion, a renewal, the death of their worker or the ack timeout resolves
them.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Completion router (Watermill) and the relay consuming it
  - The bus publisher and subscriber built by a transport factory
  - Bus and HTTP middleware chains
  - HTTP servers for services, metrics and the web UI
  - The correlation engine and worker supervisor

## Service Registration (registration*.go)

  - registration.go: RegisterService, which creates the pipeline and binding
  - registration_json.go: Typed JSON commands on a handlers.Router
  - registration_proto.go: Typed Protocol Buffer commands on a handlers.Router

## Middleware (middleware.go)

Bus middleware wraps completion handling:
  - CorrelationID, LogMessages, Tracer, Metrics, Retry, Recoverer

HTTP middleware wraps every binding:
  - RequestLog, HTTPTracer, HTTPMetrics

## Stats & Monitoring (models.go, stats.go, resources.go, metrics.go)

Per-command statistics:
  - Latency percentiles (p50, p95, p99)
  - Throughput over a sliding window
  - Outcome, fault and ack resolution breakdowns
  - In-flight backlog
  - Resource usage sampling

## Publishing (publisher.go)

Reply, Login, Fail, Renew, PublishResult and PublishEvent emit completions for
exchanges held by any host on the bus.

## WebUI (webui.go)

/api/commands and /api/services expose the statistics as JSON.

# Sub-packages

  - catalog/: Protocol error codes and messages
  - completion/: Bus completions and the relay that delivers them
  - config/: Host configuration with validation
  - correlation/: Pending acks, signals and worker supervision
  - envelope/: Request and response wire format
  - errors/: Sentinel errors and error types
  - handlers/: Command router and typed command helpers
  - httpbinding/: The HTTP binding of one service
  - ids/: ULID transaction ids
  - logging/: Logger interface and adapters
  - pipeline/: Parse, authorize and execute stages
  - transport/: Bus factory over the transport registry

# Usage Example

	conf := &replyflow.Config{ListenAddress: ":8080", AckTimeout: 30 * time.Second}

	svc, err := replyflow.NewService(ctx, conf, logger, replyflow.ServiceDependencies{})
	if err != nil {
		return err
	}

	router := replyflow.NewCommandRouter()
	_ = svc.RegisterService(replyflow.ServiceRegistration{ID: "orders", Handler: router})
	_ = replyflow.RegisterJSONCommand(svc, "orders", "create", createOrder)

	return svc.Start(ctx)
*/
package runtime
