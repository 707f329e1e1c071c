package jobrun

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nomis52/dbflow/flowctx"
)

const (
	markerOpen  = "<ctx>"
	markerClose = "</ctx>"
)

var (
	errNoMarker       = errors.New("no <ctx> marker in output")
	errUnclosedMarker = errors.New("unclosed <ctx> marker")
)

// Extract returns the JSON payload of the first <ctx>…</ctx> block in log.
func Extract(log string) (json.RawMessage, error) {
	start := strings.Index(log, markerOpen)
	if start < 0 {
		return nil, errNoMarker
	}
	rest := log[start+len(markerOpen):]
	end := strings.Index(rest, markerClose)
	if end < 0 {
		return nil, errUnclosedMarker
	}

	payload := strings.TrimSpace(rest[:end])
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("marker payload is not valid JSON: %.80q", payload)
	}
	return json.RawMessage(payload), nil
}

// Marker renders v as a marker block, as a remote script prints it.
func Marker(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return markerOpen + string(data) + markerClose, nil
}

// merge writes host's payload into trans under key in the given mode.
func merge(trans *flowctx.Trans, key string, mode flowctx.WriteMode, host string, payload json.RawMessage) error {
	switch mode {
	case flowctx.Append:
		return trans.AppendRaw(key, host, payload)
	case flowctx.Overwrite:
		return trans.SetRaw(key, payload)
	default:
		return fmt.Errorf("unknown write mode %d", mode)
	}
}
