package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cirocosta/router-exporter/pkg/router"
)

// DefaultTimeout bounds a whole collection cycle triggered by a scrape.
//
const DefaultTimeout = 1 * time.Minute

// Fetcher retrieves the raw device list from a router.
//
type Fetcher interface {
	Fetch(ctx context.Context) (*router.Document, error)
}

// DecodeFunc turns a raw device list into devices.
//
type DecodeFunc func(raw []byte) ([]router.Device, error)

// Collector implements the prometheus Collector interface, refreshing the
// device list whenever a prometheus scrape is received.
//
type Collector struct {
	// fetcher knows how to get the device list out of the router.
	//
	fetcher Fetcher

	// decode turns what `fetcher` gets into devices.
	//
	decode DecodeFunc

	// sink holds the snapshot computed by the last successful cycle.
	//
	sink *Sink

	// timeout bounds each cycle triggered through `Collect`.
	//
	timeout time.Duration

	// cycles coalesces overlapping refreshes so that concurrent scrapes
	// share a single round-trip to the router.
	//
	cycles singleflight.Group

	log logr.Logger

	durationDesc     *prometheus.Desc
	devicesDesc      *prometheus.Desc
	attemptsDesc     *prometheus.Desc
	distributionDesc *prometheus.Desc
}

// ensure that we implement prometheus' collector interface.
//
var _ prometheus.Collector = &Collector{}

// Option is a type used by functional arguments to mutate the collector to
// override default behavior.
//
type Option func(c *Collector)

// WithDecoder overrides the default `router.Decode`.
//
func WithDecoder(v DecodeFunc) Option {
	return func(c *Collector) {
		c.decode = v
	}
}

// WithSink makes the collector publish its snapshots to an existing sink.
//
func WithSink(v *Sink) Option {
	return func(c *Collector) {
		c.sink = v
	}
}

// WithTimeout overrides how long a scrape-triggered cycle may take.
//
func WithTimeout(v time.Duration) Option {
	return func(c *Collector) {
		c.timeout = v
	}
}

// WithLogger overrides the default development logger.
//
func WithLogger(v logr.Logger) Option {
	return func(c *Collector) {
		c.log = v
	}
}

// New instantiates a collector that gathers devices through `fetcher`.
//
func New(fetcher Fetcher, opts ...Option) (*Collector, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	c := &Collector{
		fetcher: fetcher,
		decode:  router.Decode,
		sink:    NewSink(),
		timeout: DefaultTimeout,
		log:     zapr.NewLogger(defaultLogger.Named("collector")),

		durationDesc: prometheus.NewDesc(
			"router_device_connection_duration_seconds",
			"for how long a live device has been connected to the router",
			[]string{"mac", "hostName"}, nil,
		),
		devicesDesc: prometheus.NewDesc(
			"router_devices",
			"number of devices known by the router",
			[]string{"state"}, nil,
		),
		attemptsDesc: prometheus.NewDesc(
			"router_fetch_attempts",
			"number of requests it took to retrieve the device list",
			nil, nil,
		),
		distributionDesc: prometheus.NewDesc(
			"router_device_connection_duration_distribution_seconds",
			"distribution of the connection duration of live devices",
			nil, nil,
		),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Register instantiates a collector and registers it with `registerer`,
// making it available for an exporter to collect our metrics.
//
func Register(
	registerer prometheus.Registerer, fetcher Fetcher, opts ...Option,
) (*Collector, error) {
	c, err := New(fetcher, opts...)
	if err != nil {
		return nil, fmt.Errorf("new: %w", err)
	}

	if err := registerer.Register(c); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	return c, nil
}

// Snapshot is the outcome of the last successful cycle.
//
func (c *Collector) Snapshot() *Snapshot {
	return c.sink.Load()
}

// Refresh runs a full collection cycle: fetch the device list, decode it and
// record the connection duration of every live device into a fresh snapshot
// that then replaces the previous one.
//
// Devices that aren't alive are simply left out. On error nothing gets
// committed and the previous snapshot is kept.
//
// Refreshes that overlap with one already in flight wait for it and share
// its outcome.
//
func (c *Collector) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := c.cycles.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Snapshot), nil
}

func (c *Collector) refresh(ctx context.Context) (*Snapshot, error) {
	snapshot := c.sink.Reset()

	doc, err := c.fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	devices, err := c.decode(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	snapshot.Attempts = doc.Attempts

	for _, device := range devices {
		snapshot.Devices++

		if !device.IsAlive() {
			continue
		}

		snapshot.Alive++
		snapshot.Set(device.MAC, device.HostName,
			device.ConnectionDuration())
	}

	c.sink.Commit(snapshot)

	c.log.V(1).Info("refreshed",
		"devices", snapshot.Devices,
		"alive", snapshot.Alive,
		"attempts", snapshot.Attempts,
	)

	return snapshot, nil
}

// Describe implements the Describe function of the Collector interface.
//
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.durationDesc
	ch <- c.devicesDesc
	ch <- c.attemptsDesc
	ch <- c.distributionDesc
}

// Collect implements the Collect function of the Collector interface.
//
// Here is where the router gets queried. A failed cycle is reported as an
// invalid metric so that the whole scrape fails rather than serving stale
// values.
//
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	snapshot, err := c.Refresh(ctx)
	if err != nil {
		c.log.Error(err, "refresh")
		ch <- prometheus.NewInvalidMetric(c.durationDesc, err)

		return
	}

	c.collectDurations(ch, snapshot)
	c.collectDevices(ch, snapshot)
	c.collectAttempts(ch, snapshot)
	c.collectDistribution(ch, snapshot)
}

func (c *Collector) collectDurations(
	ch chan<- prometheus.Metric, snapshot *Snapshot,
) {
	snapshot.Range(func(labels Labels, seconds int64) {
		ch <- prometheus.MustNewConstMetric(
			c.durationDesc,
			prometheus.GaugeValue,
			float64(seconds),
			labels.MAC, labels.HostName,
		)
	})
}

func (c *Collector) collectDevices(
	ch chan<- prometheus.Metric, snapshot *Snapshot,
) {
	ch <- prometheus.MustNewConstMetric(
		c.devicesDesc,
		prometheus.GaugeValue,
		float64(snapshot.Alive),
		"alive",
	)

	ch <- prometheus.MustNewConstMetric(
		c.devicesDesc,
		prometheus.GaugeValue,
		float64(snapshot.Devices-snapshot.Alive),
		"offline",
	)
}

func (c *Collector) collectAttempts(
	ch chan<- prometheus.Metric, snapshot *Snapshot,
) {
	ch <- prometheus.MustNewConstMetric(
		c.attemptsDesc,
		prometheus.GaugeValue,
		float64(snapshot.Attempts),
	)
}

func (c *Collector) collectDistribution(
	ch chan<- prometheus.Metric, snapshot *Snapshot,
) {
	summary := NewSummary()

	snapshot.Range(func(_ Labels, seconds int64) {
		summary.Insert(float64(seconds))
	})

	ch <- prometheus.MustNewConstSummary(
		c.distributionDesc,
		summary.Count(), summary.Sum(), summary.Quantiles(),
	)
}
