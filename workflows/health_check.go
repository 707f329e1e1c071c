package workflows

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/pipeline"
	"github.com/nomis52/dbflow/ticket"
)

const (
	// HealthCheckTicket checks replication lag and disk space on a set of hosts.
	HealthCheckTicket ticket.TicketType = "mysql_health_check"
	healthCheckPipeline                 = "mysql_health_check"

	defaultMaxLag = 60
)

// HealthCheckDetails are the details of a mysql_health_check ticket.
type HealthCheckDetails struct {
	// Targets are "<cloud>:<ip>" host keys.
	Targets       []string `json:"targets"`
	Port          int      `json:"port,omitempty"`
	DataDir       string   `json:"data_dir,omitempty"`
	MaxLagSeconds int      `json:"max_lag_seconds,omitempty"`
}

// MySQLStatus is what the status script reports for one host. LagSeconds is
// negative when the host is not a replica.
type MySQLStatus struct {
	Version    string `json:"version"`
	LagSeconds int    `json:"lag_seconds"`
}

// DiskUsage is what the disk scripts report for one host.
type DiskUsage struct {
	FreeGB int `json:"free_gb"`
}

var (
	statusField = flowctx.NewHostField[MySQLStatus]("mysql_status")
	diskField   = flowctx.NewHostField[DiskUsage]("disk_usage")
)

func registerHealthCheck(r *ticket.Registry, p Params) error {
	if err := r.RegisterTicketType(HealthCheckTicket, planHealthCheck); err != nil {
		return err
	}
	return r.RegisterPipeline(healthCheckPipeline, func(_ *ticket.Ticket, params ticket.PipelineParams) (*pipeline.Builder, error) {
		return p.healthCheck(params)
	})
}

func planHealthCheck(req ticket.CreateRequest) ([]ticket.FlowSpec, error) {
	d := HealthCheckDetails{Port: defaultPort, DataDir: defaultDataDir, MaxLagSeconds: defaultMaxLag}
	if err := decodeDetails(req, &d); err != nil {
		return nil, err
	}
	if len(d.Targets) == 0 {
		return nil, errors.New("mysql_health_check needs at least one target")
	}

	global, err := rawGlobal(map[string]any{
		"targets":         d.Targets,
		"port":            d.Port,
		"data_dir":        d.DataDir,
		"max_lag_seconds": d.MaxLagSeconds,
	})
	if err != nil {
		return nil, err
	}
	return []ticket.FlowSpec{{
		Type:   ticket.FlowPipeline,
		Params: ticket.PipelineParams{Pipeline: healthCheckPipeline, Global: global},
		Retry:  ticket.RetryManual,
	}}, nil
}

// healthCheck collects status and disk usage in parallel, then evaluates
// them. A failed disk probe does not fail the check.
func (p Params) healthCheck(params ticket.PipelineParams) (*pipeline.Builder, error) {
	global, err := params.GlobalData()
	if err != nil {
		return nil, err
	}

	b := pipeline.NewBuilder(healthCheckPipeline, global)
	if err := b.AddParallelActivities(
		pipeline.ActivitySpec{
			Name:      "collect_status",
			Component: p.job("mysql_status.sh", statusField.Key(), flowctx.Append, p.FastInterval),
		},
		pipeline.ActivitySpec{
			Name:       "collect_disk",
			Component:  p.job("disk_usage.sh", diskField.Key(), flowctx.Append, p.FastInterval),
			BestEffort: true,
		},
	); err != nil {
		return nil, err
	}
	if err := b.AddActivity("evaluate", pipeline.ActivityFunc(evaluateHealth), nil); err != nil {
		return nil, err
	}
	return b, nil
}

// evaluateHealth fails when any replica lags more than max_lag_seconds.
func evaluateHealth(_ context.Context, ec *flowctx.Context) error {
	maxLag := defaultMaxLag
	if ec.Global.Has("max_lag_seconds") {
		if err := ec.Global.Decode("max_lag_seconds", &maxLag); err != nil {
			return err
		}
	}

	statuses, err := statusField.All(ec.Trans)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return errors.New("no host reported its status")
	}
	disks, err := diskField.All(ec.Trans)
	if err != nil {
		return err
	}

	hosts := make([]string, 0, len(statuses))
	for h := range statuses {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	logger := ec.Logger()
	var errs []error
	for _, h := range hosts {
		s := statuses[h]
		logger.Info("host status", "host", h, "version", s.Version, "lag_seconds", s.LagSeconds, "free_gb", disks[h].FreeGB)
		if s.LagSeconds > maxLag {
			errs = append(errs, fmt.Errorf("host %s: replication lag %ds exceeds %ds", h, s.LagSeconds, maxLag))
		}
	}
	return errors.Join(errs...)
}
