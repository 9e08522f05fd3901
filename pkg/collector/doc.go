// Package collector provides the core functionality of this exporter.
//
// It implements the Prometheus collector interface, querying the router's
// device list whenever a request hits this exporter, allowing us to not have
// to rely on a particular interval defined in this exporter (instead, rely on
// prometheus' scrape interval).
//
// Each scrape builds a new snapshot of the live devices and atomically swaps
// it in, so devices that went away never linger in the output.
//
package collector
