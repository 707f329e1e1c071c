package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/pipeline"
	"github.com/nomis52/dbflow/resource"
	"github.com/nomis52/dbflow/ticket"
)

const (
	// InstallTicket installs MySQL instances on hosts reserved from a pool.
	InstallTicket   ticket.TicketType = "mysql_install"
	installPipeline                   = "mysql_install"

	defaultInstallPool = "mysql"
	minFreeGB          = 20
)

// InstallDetails are the details of a mysql_install ticket.
type InstallDetails struct {
	Version string `json:"version"`
	Pool    string `json:"pool,omitempty"`
	Count   int    `json:"count"`
	Port    int    `json:"port,omitempty"`
	DataDir string `json:"data_dir,omitempty"`
	// TriggerAt or Cron delay the install after approval.
	TriggerAt *time.Time `json:"trigger_at,omitempty"`
	Cron      string     `json:"cron,omitempty"`
	// Force tolerates hosts that fail the package install.
	Force bool `json:"force,omitempty"`
}

var installedVersion = flowctx.NewField[string]("installed_version")

var precheckField = flowctx.NewHostField[DiskUsage]("precheck")

func registerInstall(r *ticket.Registry, p Params) error {
	if err := r.RegisterTicketType(InstallTicket, planInstall); err != nil {
		return err
	}
	return r.RegisterPipeline(installPipeline, func(_ *ticket.Ticket, params ticket.PipelineParams) (*pipeline.Builder, error) {
		return p.install(params)
	})
}

// planInstall asks for approval, optionally waits for a schedule, reserves
// hosts and then installs.
func planInstall(req ticket.CreateRequest) ([]ticket.FlowSpec, error) {
	d := InstallDetails{Pool: defaultInstallPool, Port: defaultPort, DataDir: defaultDataDir}
	if err := decodeDetails(req, &d); err != nil {
		return nil, err
	}
	if d.Version == "" {
		return nil, errors.New("mysql_install needs a version")
	}
	if d.Count <= 0 {
		return nil, fmt.Errorf("mysql_install count must be positive, got %d", d.Count)
	}

	global, err := rawGlobal(map[string]any{
		"version":  d.Version,
		"port":     d.Port,
		"data_dir": d.DataDir,
		"force":    d.Force,
	})
	if err != nil {
		return nil, err
	}

	flows := []ticket.FlowSpec{{Type: ticket.FlowApproval}}
	if d.TriggerAt != nil || d.Cron != "" {
		flows = append(flows, ticket.FlowSpec{
			Type:   ticket.FlowTimer,
			Params: ticket.TimerParams{TriggerAt: d.TriggerAt, Cron: d.Cron},
		})
	}
	flows = append(flows,
		ticket.FlowSpec{
			Type:   ticket.FlowResource,
			Params: ticket.ResourceParams{Requests: []resource.Request{{Pool: d.Pool, Count: d.Count}}},
			Retry:  ticket.RetryManual,
		},
		ticket.FlowSpec{
			Type:   ticket.FlowPipeline,
			Params: ticket.PipelineParams{Pipeline: installPipeline, Global: global},
			Retry:  ticket.RetryManual,
		},
	)
	return flows, nil
}

// install prechecks the hosts, installs and starts mysqld in a sub-pipeline,
// then verifies the running version.
func (p Params) install(params ticket.PipelineParams) (*pipeline.Builder, error) {
	global, err := params.GlobalData()
	if err != nil {
		return nil, err
	}
	var force bool
	if global.Has("force") {
		if err := global.Decode("force", &force); err != nil {
			return nil, err
		}
	}

	b := pipeline.NewBuilder(installPipeline, global)
	if err := b.AddActivity("precheck", p.job("mysql_precheck.sh", precheckField.Key(), flowctx.Append, p.FastInterval), nil); err != nil {
		return nil, err
	}
	if err := b.AddActivity("check_disk", pipeline.ActivityFunc(checkFreeSpace), map[string]any{"min_free_gb": minFreeGB}); err != nil {
		return nil, err
	}

	deploy := pipeline.NewBuilder("deploy", nil)
	if err := deploy.AddActivity("install_packages", p.job("mysql_install.sh", "", flowctx.Overwrite, p.SlowInterval), map[string]any{"force": force}); err != nil {
		return nil, err
	}
	if err := deploy.AddActivity("start_instance", p.job("mysql_start.sh", "", flowctx.Overwrite, p.FastInterval), nil); err != nil {
		return nil, err
	}
	if err := b.AddSubPipeline(deploy); err != nil {
		return nil, err
	}

	if err := b.AddActivity("read_version", p.job("mysql_version.sh", installedVersion.Key(), flowctx.Overwrite, p.FastInterval), nil); err != nil {
		return nil, err
	}
	if err := b.AddActivity("verify_version", pipeline.ActivityFunc(verifyVersion), nil); err != nil {
		return nil, err
	}
	return b, nil
}

func checkFreeSpace(_ context.Context, ec *flowctx.Context) error {
	var minFree int
	if err := ec.Kwargs().Decode("min_free_gb", &minFree); err != nil {
		return err
	}
	disks, err := precheckField.All(ec.Trans)
	if err != nil {
		return err
	}

	var errs []error
	for host, d := range disks {
		if d.FreeGB < minFree {
			errs = append(errs, fmt.Errorf("host %s has %dGB free, need %dGB", host, d.FreeGB, minFree))
		}
	}
	return errors.Join(errs...)
}

// verifyVersion checks the reported version against the requested one. With
// several hosts the last target's report is checked.
func verifyVersion(_ context.Context, ec *flowctx.Context) error {
	want := ec.Global.String("version")
	got, ok, err := installedVersion.Get(ec.Trans)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no installed version reported")
	}
	if got != want {
		return fmt.Errorf("installed version %s, want %s", got, want)
	}
	ec.Logger().Info("mysql installed", "version", got)
	return nil
}
