package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteWriteServer(t *testing.T, status int) (*httptest.Server, chan []prompb.TimeSeries) {
	t.Helper()
	received := make(chan []prompb.TimeSeries, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/write", r.URL.Path)
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		assert.Equal(t, "0.1.0", r.Header.Get("X-Prometheus-Remote-Write-Version"))

		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		decoded, err := snappy.Decode(nil, body)
		if !assert.NoError(t, err) {
			return
		}
		var req prompb.WriteRequest
		if !assert.NoError(t, proto.Unmarshal(decoded, &req)) {
			return
		}
		received <- req.Timeseries
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, received
}

func label(labels []prompb.Label, name string) string {
	for _, l := range labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

func TestPushRegistry_FlushSendsLatestValues(t *testing.T) {
	server, received := remoteWriteServer(t, http.StatusNoContent)
	reg := NewPushRegistry(PushConfig{URL: server.URL + "/", Prefix: "dbflow", Job: "dbflow", Instance: "node-1"})

	gauge, err := reg.NewGauge(prometheus.GaugeOpts{Name: "runs_active"})
	require.NoError(t, err)
	counter, err := reg.NewCounter(prometheus.CounterOpts{Name: "submissions_total"})
	require.NoError(t, err)
	vec, err := reg.NewCounterVec(prometheus.CounterOpts{Name: "host_failures_total"}, []string{"status"})
	require.NoError(t, err)

	gauge.Set(3)
	gauge.Set(2)
	counter.Inc()
	counter.Add(2)
	vec.With(prometheus.Labels{"status": "failed"}).Inc()
	vec.With(prometheus.Labels{"status": "failed"}).Inc()

	require.NoError(t, reg.Flush(context.Background()))
	series := <-received
	require.Len(t, series, 3)

	values := make(map[string]float64)
	for _, ts := range series {
		assert.Equal(t, "dbflow", label(ts.Labels, "job"))
		assert.Equal(t, "node-1", label(ts.Labels, "instance"))
		require.Len(t, ts.Samples, 1)
		values[label(ts.Labels, "__name__")+"/"+label(ts.Labels, "status")] = ts.Samples[0].Value
	}
	assert.Equal(t, map[string]float64{
		"dbflow_runs_active/":               2,
		"dbflow_submissions_total/":         3,
		"dbflow_host_failures_total/failed": 2,
	}, values)
}

func TestPushRegistry_GaugeVecLabels(t *testing.T) {
	server, received := remoteWriteServer(t, http.StatusOK)
	reg := NewPushRegistry(PushConfig{URL: server.URL})

	vec, err := reg.NewGaugeVec(prometheus.GaugeOpts{Name: "tickets"}, []string{"status"})
	require.NoError(t, err)
	vec.With(prometheus.Labels{"status": "running"}).Set(4)
	vec.With(prometheus.Labels{"status": "failed"}).Set(1)

	require.NoError(t, reg.Flush(context.Background()))
	series := <-received
	require.Len(t, series, 2)
	// Series are sent in key order.
	assert.Equal(t, "failed", label(series[0].Labels, "status"))
	assert.Equal(t, 1.0, series[0].Samples[0].Value)
	assert.Equal(t, "running", label(series[1].Labels, "status"))
}

func TestPushRegistry_FlushEmptyIsNoop(t *testing.T) {
	reg := NewPushRegistry(PushConfig{URL: "http://127.0.0.1:1"})
	assert.NoError(t, reg.Flush(context.Background()))
}

func TestPushRegistry_FlushErrorStatus(t *testing.T) {
	server, _ := remoteWriteServer(t, http.StatusBadRequest)
	reg := NewPushRegistry(PushConfig{URL: server.URL})
	g, err := reg.NewGauge(prometheus.GaugeOpts{Name: "g"})
	require.NoError(t, err)
	g.Set(1)

	err = reg.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestSeriesKey_IgnoresLabelOrder(t *testing.T) {
	a := seriesKey("m", map[string]string{"a": "1", "b": "2"})
	b := seriesKey("m", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, seriesKey("m", map[string]string{"a": "1"}))
}

func TestScrapeRegistry_ServesEngineMetrics(t *testing.T) {
	reg, err := NewScrapeRegistry("dbflow")
	require.NoError(t, err)

	engine, err := NewEngine(reg)
	require.NoError(t, err)
	engine.JobSubmitted()
	engine.HostFailed("failed")
	engine.NodeFinished("succeeded")
	engine.FlowTransition("pipeline", "running")
	engine.ActiveRuns(2)
	engine.TicketCounts(map[string]int{"running": 3})

	w := httptest.NewRecorder()
	reg.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "dbflow_job_submissions_total 1")
	assert.Contains(t, body, `dbflow_job_host_failures_total{status="failed"} 1`)
	assert.Contains(t, body, `dbflow_pipeline_nodes_total{status="succeeded"} 1`)
	assert.Contains(t, body, `dbflow_flow_transitions_total{status="running",type="pipeline"} 1`)
	assert.Contains(t, body, "dbflow_pipeline_runs_active 2")
	assert.Contains(t, body, `dbflow_tickets{status="running"} 3`)
}

func TestScrapeRegistry_DuplicateRegistration(t *testing.T) {
	reg, err := NewScrapeRegistry("")
	require.NoError(t, err)
	_, err = NewEngine(reg)
	require.NoError(t, err)
	_, err = NewEngine(reg)
	assert.Error(t, err)
}

func TestEngine_NilIsNoop(t *testing.T) {
	var e *Engine
	assert.NotPanics(t, func() {
		e.JobSubmitted()
		e.HostFailed("failed")
		e.NodeFinished("failed")
		e.FlowTransition("timer", "waiting")
		e.ActiveRuns(1)
		e.TicketCounts(map[string]int{"failed": 1})
	})
}
