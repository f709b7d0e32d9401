// Package middleware provides HTTP middleware that the shiny server installs
// on its router: Prometheus request metrics and OpenTelemetry request spans.
//
// Both label requests with the chi route pattern rather than the raw path,
// so /api/shiny/ws and every page route produce one series each.
//
//	r := chi.NewRouter()
//	r.Use(middleware.Prometheus(
//	    middleware.WithRegistry(reg),
//	    middleware.WithNamespace("shiny"),
//	))
//	r.Use(middleware.OpenTelemetry())
package middleware
