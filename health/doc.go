// Package health aggregates component health for the /health endpoint.
//
// Components contribute through CheckFunc callbacks registered on a
// Monitor. Report evaluates every check and folds the results with
// Aggregate: any unhealthy sub-status makes the system unhealthy, otherwise
// any degraded one makes it degraded. A disconnected kernel is degraded,
// not unhealthy, since IRIS keeps retrying and serving subscribers.
//
// Error text shown in statuses should pass through SanitizeError so socket
// paths, server URLs and credentials are not exposed.
package health
