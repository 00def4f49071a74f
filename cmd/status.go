package cmd

import (
	"io"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/engine"
	"github.com/mixdown/mixdown/sequencer"
)

const meterWidth = 10

// StatusFormat is the default one-line status of the player.
const StatusFormat = `{{ if .Transport.Recording }}rec {{ else if .Transport.Playing }}play{{ else }}stop{{ end }} ` +
	`{{ .Timecode }} {{ printf "%.1f" .Transport.BPM }} bpm ` +
	`{{ .Transport.TimeSignature.Numerator }}/{{ .Transport.TimeSignature.Denominator }}` +
	`{{ if .Transport.Looping }} loop{{ end }} | ` +
	`cpu [{{ repeat .Bars "#" }}{{ repeat .Rest "." }}] {{ printf "%3d" .Percent }}%` +
	`{{ if gt .CPU.XRuns 0 }} xruns {{ .CPU.XRuns }}{{ end }} | {{ .Device | default "no device" | trunc 32 }}`

// Status is the data the status template is executed with.
type Status struct {
	Transport mixdown.TransportState
	CPU       mixdown.CPUInfo
	Timecode  string
	Device    string
}

func NewStatus(e *engine.Engine) Status {
	t := e.TransportState()
	return Status{
		Transport: t,
		CPU:       e.CPUInfo(),
		Timecode:  sequencer.TimecodeString(t.Position, e.Sequencer().Settings().Playback.MTCFormat),
		Device:    e.CurrentDeviceName(),
	}
}

// Percent is the average load in percent.
func (s Status) Percent() int { return int(s.CPU.AverageLoad*100 + 0.5) }

// Bars is the average load on a meter ten characters wide.
func (s Status) Bars() int {
	return min(max(int(s.CPU.AverageLoad*meterWidth+0.5), 0), meterWidth)
}

// Rest is the empty part of the meter.
func (s Status) Rest() int { return meterWidth - s.Bars() }

// StatusTemplate parses a status format with the sprig functions.
func StatusTemplate(format string) (*template.Template, error) {
	return template.New("status").Funcs(sprig.TxtFuncMap()).Parse(format)
}

func WriteStatus(w io.Writer, tmpl *template.Template, s Status) error {
	return tmpl.Execute(w, s)
}
