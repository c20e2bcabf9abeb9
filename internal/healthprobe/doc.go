// Package healthprobe runs background health checks against every
// endpoint of a router. Probes go through the router's own executor and
// classifier, so probe outcomes move each endpoint's circuit breaker
// exactly like caller traffic does.
package healthprobe
