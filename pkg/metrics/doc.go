/*
Package metrics provides Prometheus metrics collection and exposition for
the catalog coordinator.

Every background component (registry, coordinator, sync worker,
transaction manager, monitor) registers its own gauges, counters, and
histograms here at init time and updates them inline as it runs. Handler
exposes the registry over HTTP for scraping; HealthHandler, ReadyHandler,
and LivenessHandler expose a small JSON health surface built from
whichever components call RegisterComponent/UpdateComponent, independent
of Prometheus.
*/
package metrics
