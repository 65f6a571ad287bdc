// Package metric provides Prometheus metrics for the IRIS backend.
//
// A MetricsRegistry owns a private prometheus.Registry. It pre-registers the
// pipeline metrics (frames, corruption, header rejects, events by type,
// decoder failures, session state) together with the Go runtime and process
// collectors. Components that own their own metrics register them through
// the MetricsRegistrar methods, which reject duplicate names with an
// invalid-class error instead of panicking:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordFrame()
//
//	connects := prometheus.NewCounter(prometheus.CounterOpts{
//	    Namespace: metric.Namespace,
//	    Subsystem: "transport",
//	    Name:      "connects_total",
//	})
//	if err := registry.RegisterCounter("kernel", "connects_total", connects); err != nil {
//	    return err
//	}
//
//	router.Handle("/metrics", registry.Handler())
//
// All Metrics recorders accept a nil receiver, so a component built without
// a registry simply records nothing.
package metric
