package parse

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a payload is not a JSON object of the
	// expected shape.
	ErrMalformed = errors.New("malformed report payload")
	// ErrNoState is returned for well-formed payloads that carry no
	// print.gcode_state, such as partial pushes or command echoes.
	ErrNoState = errors.New("report has no gcode_state")
)

// Report is the subset of a printer status report the monitor uses.
type Report struct {
	GcodeState  string
	SubtaskName string
	Percent     *int
}

type rawReport struct {
	Print *struct {
		GcodeState  *string `json:"gcode_state"`
		SubtaskName string  `json:"subtask_name"`
		Percent     *int    `json:"mc_percent"`
	} `json:"print"`
}

// ParseReport decodes a status payload such as
// {"print": {"gcode_state": "FINISH", "mc_percent": 100}}.
func ParseReport(payload []byte) (Report, error) {
	var raw rawReport
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Print == nil || raw.Print.GcodeState == nil || *raw.Print.GcodeState == "" {
		return Report{}, ErrNoState
	}
	return Report{
		GcodeState:  *raw.Print.GcodeState,
		SubtaskName: raw.Print.SubtaskName,
		Percent:     raw.Print.Percent,
	}, nil
}
