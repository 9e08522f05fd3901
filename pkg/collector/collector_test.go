package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirocosta/router-exporter/pkg/router"
)

const durationMetric = "router_device_connection_duration_seconds"

type fetcherFunc func(ctx context.Context) (*router.Document, error)

func (f fetcherFunc) Fetch(ctx context.Context) (*router.Document, error) {
	return f(ctx)
}

// sequenceFetcher serves `docs` one after the other, sticking to the last one.
//
type sequenceFetcher struct {
	mu    sync.Mutex
	docs  []string
	calls int
}

func (f *sequenceFetcher) Fetch(_ context.Context) (*router.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	if idx >= len(f.docs) {
		idx = len(f.docs) - 1
	}
	f.calls++

	return &router.Document{Body: []byte(f.docs[idx]), Attempts: 1}, nil
}

type testDevice struct {
	mac, hostName, alive, lastSeen, active string
}

func deviceList(devices ...testDevice) string {
	var b strings.Builder

	b.WriteString("<deviceList>")
	for _, d := range devices {
		fmt.Fprintf(&b, "<device><mac>%s</mac><hostName>%s</hostName>"+
			"<alive>%s</alive><lastSeeTime>%s</lastSeeTime>"+
			"<activeTime>%s</activeTime></device>",
			d.mac, d.hostName, d.alive, d.lastSeen, d.active)
	}
	b.WriteString("</deviceList>")

	return b.String()
}

var (
	phone  = testDevice{"AA:BB", "phone", "1", "100|x", "40|y"}
	laptop = testDevice{"11:22", "laptop", "1", "10|x", "50|y"}
	tv     = testDevice{"33:44", "tv", "0", "500|x", "20|y"}
	noname = testDevice{"55:66", "", "1", "30|x", "10|y"}
)

func newTestCollector(t *testing.T, fetcher Fetcher, opts ...Option) *Collector {
	t.Helper()

	opts = append([]Option{WithLogger(logr.Discard())}, opts...)

	c, err := New(fetcher, opts...)
	require.NoError(t, err)

	return c
}

func TestCollector_Refresh(t *testing.T) {
	fetcher := &sequenceFetcher{docs: []string{deviceList(phone, laptop, tv, noname)}}
	c := newTestCollector(t, fetcher)

	snapshot, err := c.Refresh(context.Background())
	require.NoError(t, err)

	v, found := snapshot.Get("AA:BB", "phone")
	require.True(t, found)
	assert.Equal(t, int64(60), v)

	v, found = snapshot.Get("11:22", "laptop")
	require.True(t, found)
	assert.Equal(t, int64(0), v)

	_, found = snapshot.Get("33:44", "tv")
	assert.False(t, found)

	v, found = snapshot.Get("55:66", router.UnknownHostName)
	require.True(t, found)
	assert.Equal(t, int64(20), v)

	assert.Equal(t, 3, snapshot.Len())
	assert.Equal(t, 4, snapshot.Devices)
	assert.Equal(t, 3, snapshot.Alive)
	assert.Same(t, snapshot, c.Snapshot())
}

func TestCollector_Refresh_DropsDevicesThatWentAway(t *testing.T) {
	fetcher := &sequenceFetcher{docs: []string{
		deviceList(phone, laptop),
		deviceList(laptop, testDevice{"AA:BB", "phone", "0", "200|x", "40|y"}),
	}}
	c := newTestCollector(t, fetcher)

	first, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Labels{
		{MAC: "11:22", HostName: "laptop"},
		{MAC: "AA:BB", HostName: "phone"},
	}, first.Labels())

	second, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Labels{
		{MAC: "11:22", HostName: "laptop"},
	}, second.Labels())

	// the first snapshot is left untouched.
	assert.Equal(t, 2, first.Len())
}

func TestCollector_Refresh_FetchError(t *testing.T) {
	fetchErr := &router.FetchError{URL: "http://router", Attempts: 15, Err: errors.New("boom")}
	fail := atomic.Bool{}

	c := newTestCollector(t, fetcherFunc(func(_ context.Context) (*router.Document, error) {
		if fail.Load() {
			return nil, fetchErr
		}

		return &router.Document{Body: []byte(deviceList(phone)), Attempts: 1}, nil
	}))

	previous, err := c.Refresh(context.Background())
	require.NoError(t, err)

	fail.Store(true)

	snapshot, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.Nil(t, snapshot)

	var target *router.FetchError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, 15, target.Attempts)

	assert.Same(t, previous, c.Snapshot())
}

func TestCollector_Refresh_DecodeError(t *testing.T) {
	c := newTestCollector(t, &sequenceFetcher{docs: []string{
		deviceList(testDevice{"AA:BB", "phone", "1", "NaN|x", "40|y"}),
	}})

	_, err := c.Refresh(context.Background())
	require.Error(t, err)

	var target *router.DecodeError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, "lastSeeTime", target.Field)
}

func TestCollector_Refresh_KeepsPreviousSnapshotWhileInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	calls := atomic.Int32{}

	c := newTestCollector(t, fetcherFunc(func(_ context.Context) (*router.Document, error) {
		if calls.Add(1) == 1 {
			return &router.Document{Body: []byte(deviceList(phone)), Attempts: 1}, nil
		}

		close(started)
		<-release

		return &router.Document{Body: []byte(deviceList(laptop)), Attempts: 1}, nil
	}))

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		done <- err
	}()

	<-started
	assert.Equal(t, []Labels{{MAC: "AA:BB", HostName: "phone"}}, c.Snapshot().Labels())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []Labels{{MAC: "11:22", HostName: "laptop"}}, c.Snapshot().Labels())
}

func TestCollector_Refresh_CoalescesConcurrentCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	calls := atomic.Int32{}

	c := newTestCollector(t, fetcherFunc(func(_ context.Context) (*router.Document, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release

		return &router.Document{Body: []byte(deviceList(phone)), Attempts: 1}, nil
	}))

	var wg sync.WaitGroup
	results := make([]*Snapshot, 2)

	for i := range results {
		i := i

		wg.Add(1)
		go func() {
			defer wg.Done()

			snapshot, err := c.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = snapshot
		}()

		if i == 0 {
			<-started
		}
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.Same(t, results[0], results[1])
}

func TestCollector_Collect(t *testing.T) {
	c := newTestCollector(t, &sequenceFetcher{docs: []string{
		deviceList(phone, laptop, tv),
	}})

	expected := `
# HELP router_device_connection_duration_seconds for how long a live device has been connected to the router
# TYPE router_device_connection_duration_seconds gauge
router_device_connection_duration_seconds{hostName="laptop",mac="11:22"} 0
router_device_connection_duration_seconds{hostName="phone",mac="AA:BB"} 60
# HELP router_devices number of devices known by the router
# TYPE router_devices gauge
router_devices{state="alive"} 2
router_devices{state="offline"} 1
# HELP router_fetch_attempts number of requests it took to retrieve the device list
# TYPE router_fetch_attempts gauge
router_fetch_attempts 1
`

	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		durationMetric, "router_devices", "router_fetch_attempts",
	)
	require.NoError(t, err)
}

func TestCollector_Collect_Distribution(t *testing.T) {
	c := newTestCollector(t, &sequenceFetcher{docs: []string{
		deviceList(phone, noname),
	}})

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(c))

	families, err := registry.Gather()
	require.NoError(t, err)

	family := findFamily(families, "router_device_connection_duration_distribution_seconds")
	require.NotNil(t, family)
	require.Len(t, family.GetMetric(), 1)

	summary := family.GetMetric()[0].GetSummary()
	assert.Equal(t, uint64(2), summary.GetSampleCount())
	assert.Equal(t, float64(80), summary.GetSampleSum())
}

func TestCollector_Collect_LivenessFilter(t *testing.T) {
	devices := []testDevice{
		{"01", "a", "1", "5", "1"},
		{"02", "b", "0", "5", "1"},
		{"03", "c", "2", "5", "1"},
		{"04", "d", "", "5", "1"},
		{"05", "e", "1", "1", "5"},
	}

	registry := prometheus.NewRegistry()
	_, err := Register(registry, &sequenceFetcher{docs: []string{deviceList(devices...)}},
		WithLogger(logr.Discard()),
	)
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)

	family := findFamily(families, durationMetric)
	require.NotNil(t, family)

	macs := []string{}
	for _, m := range family.GetMetric() {
		macs = append(macs, labelValue(m, "mac"))
	}

	assert.ElementsMatch(t, []string{"01", "05"}, macs)
}

func TestCollector_Collect_FailureFailsGather(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := Register(registry, fetcherFunc(func(_ context.Context) (*router.Document, error) {
		return nil, &router.FetchError{URL: "http://router", Attempts: 15, Err: errors.New("boom")}
	}), WithLogger(logr.Discard()))
	require.NoError(t, err)

	_, err = registry.Gather()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCollector_Collect_Timeout(t *testing.T) {
	c := newTestCollector(t, fetcherFunc(func(ctx context.Context) (*router.Document, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTimeout(10*time.Millisecond))

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	_, err := registry.Gather()
	require.Error(t, err)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

// flakyRouter fails the first `failures` requests and then serves `body`.
//
func flakyRouter(failures int32, body string) (*httptest.Server, *atomic.Int32) {
	hits := &atomic.Int32{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= failures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write([]byte(body))
	}))

	return srv, hits
}

func newRouterClient(t *testing.T, url string) *router.Client {
	t.Helper()

	client, err := router.NewClient(url, "admin", "secret",
		router.WithRetryStep(time.Millisecond),
		router.WithLogger(logr.Discard()),
	)
	require.NoError(t, err)

	return client
}

func TestCollector_Refresh_RouterRecoversOnLastAttempt(t *testing.T) {
	srv, hits := flakyRouter(14, deviceList(phone))
	defer srv.Close()

	c := newTestCollector(t, newRouterClient(t, srv.URL))

	snapshot, err := c.Refresh(context.Background())
	require.NoError(t, err)

	v, found := snapshot.Get("AA:BB", "phone")
	require.True(t, found)
	assert.Equal(t, int64(60), v)
	assert.Equal(t, 15, snapshot.Attempts)
	assert.EqualValues(t, 15, hits.Load())
}

func TestCollector_Refresh_RouterNeverRecovers(t *testing.T) {
	srv, hits := flakyRouter(15, deviceList(phone))
	defer srv.Close()

	c := newTestCollector(t, newRouterClient(t, srv.URL))

	_, err := c.Refresh(context.Background())
	require.Error(t, err)

	var target *router.FetchError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, 15, target.Attempts)
	assert.EqualValues(t, 15, hits.Load())
	assert.Zero(t, c.Snapshot().Len())
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}

	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}

	return ""
}
