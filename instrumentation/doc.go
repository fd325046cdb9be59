// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// OAuth engine.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-oauth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv, err := server.New(store, store, store, cfg, server.WithInstrumentation(inst))
//
// # Prometheus Metrics
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//
//	http.Handle("/metrics", promhttp.Handler())
//
// The exporter keeps the dotted instrument names and appends the unit and type
// suffixes Prometheus expects, so oauth.token.issued is scraped as
// oauth.token.issued_total and oauth.http.request.duration as
// oauth.http.request.duration_milliseconds. Older scrapers that only accept
// legacy names see the dots replaced by underscores.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// Grant Flows:
//   - oauth.token.issued{grant_type, refresh_token} - Access tokens issued
//   - oauth.grant.failures{grant_type, error} - Failed flows by OAuth error code
//   - oauth.code.issued{client_id} - Authorization codes issued
//   - oauth.token.refreshed{rotated} - Refresh token redemptions
//
// Resource:
//   - oauth.token.validations{result} - Access token validations (valid, invalid, missing)
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - oauth.audit.events.total{event_type} - Security audit events
//
// Storage:
//   - storage.sessions.count, storage.access_tokens.count,
//     storage.refresh_tokens.count, storage.auth_codes.count - registered with
//     RegisterStorageSizeCallbacks
//   - storage.operation.total{operation, result} - Store calls (success, not_found, error)
//   - storage.operation.duration{operation} - Store call duration in milliseconds
//
// # Tracing
//
// Spans are created by the server ("server.IssueAccessToken",
// "server.CheckAuthoriseParams"), the resource guard ("resource.Validate") and the
// HTTP handler. Pass a TracerProvider in Config to export them.
package instrumentation
