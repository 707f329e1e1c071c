// Package workflows defines the built-in ticket types and the pipelines they
// run. Remote steps are shell scripts rendered from the pipeline's global
// data and executed through the job runtime.
package workflows

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/nomis52/dbflow/clients/jobclient"
	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/jobrun"
	"github.com/nomis52/dbflow/resource"
	"github.com/nomis52/dbflow/ticket"
)

//go:embed scripts/*.sh
var scriptFiles embed.FS

var scripts = template.Must(template.New("scripts").Option("missingkey=error").ParseFS(scriptFiles, "scripts/*.sh"))

const (
	defaultPort    = 3306
	defaultDataDir = "/data/mysql"
)

// Params contains the dependencies shared by every built-in pipeline.
type Params struct {
	Runtime *jobrun.Runtime
	Logger  *slog.Logger

	// Account runs the scripts. Empty uses the backend default.
	Account string
	// FastInterval polls short checks; SlowInterval polls installs.
	FastInterval time.Duration
	SlowInterval time.Duration
	// JobTimeout bounds each remote job.
	JobTimeout time.Duration
}

// Register adds every built-in ticket type and pipeline to r.
func Register(r *ticket.Registry, p Params) error {
	if p.Runtime == nil {
		return errors.New("workflows need a job runtime")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.FastInterval == 0 {
		p.FastInterval = jobrun.FastPollInterval
	}
	if p.SlowInterval == 0 {
		p.SlowInterval = jobrun.SlowPollInterval
	}

	for _, register := range []func(*ticket.Registry, Params) error{
		registerHealthCheck,
		registerInstall,
	} {
		if err := register(r, p); err != nil {
			return err
		}
	}
	return nil
}

// job returns a job activity running the named script.
func (p Params) job(script, output string, mode flowctx.WriteMode, interval time.Duration) *jobrun.JobActivity {
	return &jobrun.JobActivity{
		Runtime:  p.Runtime,
		Payload:  p.scriptPayload(script),
		Output:   output,
		Mode:     mode,
		Interval: interval,
		Timeout:  p.JobTimeout,
	}
}

func (p Params) scriptPayload(name string) jobrun.PayloadFunc {
	return func(ec *flowctx.Context) (jobclient.SubmitRequest, error) {
		targets, err := Targets(ec.Global)
		if err != nil {
			return jobclient.SubmitRequest{}, err
		}
		script, err := renderScript(name, ec.Global)
		if err != nil {
			return jobclient.SubmitRequest{}, err
		}
		return jobclient.SubmitRequest{
			Targets:        targets,
			Script:         script,
			Account:        p.Account,
			TimeoutSeconds: int(p.JobTimeout / time.Second),
		}, nil
	}
}

func renderScript(name string, global flowctx.Data) (string, error) {
	vars := make(map[string]any, len(global))
	for k, raw := range global {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", fmt.Errorf("decoding %q: %w", k, err)
		}
		vars[k] = v
	}

	var b strings.Builder
	if err := scripts.ExecuteTemplate(&b, name, vars); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return b.String(), nil
}

// Targets returns the hosts a pipeline runs on: the "targets" list when set,
// otherwise the hosts granted under "resources".
func Targets(global flowctx.Data) ([]jobclient.Target, error) {
	var hosts []string
	switch {
	case global.Has("targets"):
		if err := global.Decode("targets", &hosts); err != nil {
			return nil, err
		}
	case global.Has("resources"):
		var granted []resource.Resource
		if err := global.Decode("resources", &granted); err != nil {
			return nil, err
		}
		for _, r := range granted {
			hosts = append(hosts, r.Host)
		}
	}
	if len(hosts) == 0 {
		return nil, errors.New("no target hosts")
	}

	targets := make([]jobclient.Target, 0, len(hosts))
	for _, h := range hosts {
		t, err := jobclient.ParseTarget(h)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// decodeDetails unmarshals the ticket details into out. Empty details leave out unchanged.
func decodeDetails(req ticket.CreateRequest, out any) error {
	if len(req.Details) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Details, out); err != nil {
		return fmt.Errorf("invalid %s details: %w", req.Type, err)
	}
	return nil
}

// rawGlobal encodes vals for PipelineParams.Global.
func rawGlobal(vals map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
