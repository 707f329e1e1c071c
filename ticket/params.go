package ticket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/resource"
)

// TimerParams configure a timer flow. TriggerAt takes precedence over Cron.
type TimerParams struct {
	TriggerAt *time.Time `json:"trigger_at,omitempty"`
	// Cron is a 5-field schedule; the flow fires at its next activation after entry.
	Cron string `json:"cron,omitempty"`
}

// ResourceParams configure a resource flow.
type ResourceParams struct {
	Requests []resource.Request `json:"requests"`
}

// PipelineParams configure a pipeline flow.
type PipelineParams struct {
	Pipeline  string                     `json:"pipeline"`
	Global    map[string]json.RawMessage `json:"global,omitempty"`
	Resources []resource.Resource        `json:"resources,omitempty"`
}

// GlobalData returns the pipeline's global data: Global plus any granted
// resources under "resources".
func (p PipelineParams) GlobalData() (flowctx.Data, error) {
	d := make(flowctx.Data, len(p.Global)+1)
	for k, v := range p.Global {
		d[k] = append(json.RawMessage(nil), v...)
	}
	if len(p.Resources) > 0 {
		if err := d.Set(resourcesKey, p.Resources); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// resourcesKey is the params key a resource flow writes into the next flow.
const resourcesKey = "resources"

func decodeParams(f *Flow, out any) error {
	if len(f.Params) == 0 {
		return fmt.Errorf("flow %d (%s) has no params", f.Index, f.Type)
	}
	if err := json.Unmarshal(f.Params, out); err != nil {
		return fmt.Errorf("flow %d (%s) params: %w", f.Index, f.Type, err)
	}
	return nil
}

// patchParams sets key in the JSON object params to v.
func patchParams(params json.RawMessage, key string, v any) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, fmt.Errorf("params are not a JSON object: %w", err)
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	obj[key] = raw
	return json.Marshal(obj)
}
