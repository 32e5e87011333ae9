// Package report renders a run's final state for the CLI and HTTP
// surfaces: a human-friendly text form and a structured JSON form.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vk/gridci/internal/run"
)

// statusMarks maps terminal statuses to their console markers.
var statusMarks = map[run.JobStatus]string{
	run.StatusSucceeded: "✔",
	run.StatusFailed:    "✘",
	run.StatusSkipped:   "-",
	run.StatusCancelled: "⊘",
}

// PrettyRenderer renders a run report in a human-friendly format.
type PrettyRenderer struct {
	out io.Writer
}

// NewPretty creates a PrettyRenderer writing to the provided writer.
func NewPretty(out io.Writer) *PrettyRenderer {
	return &PrettyRenderer{out: out}
}

// Render writes the per-job summary and the run verdict.
func (p *PrettyRenderer) Render(report run.Report) error {
	if _, err := fmt.Fprintf(p.out, "run %s (%s on %s)\n", report.RunID, report.Event, report.Ref); err != nil {
		return err
	}
	for _, job := range report.Jobs {
		mark, ok := statusMarks[job.Status]
		if !ok {
			mark = "?"
		}
		if _, err := fmt.Fprintf(p.out, "  %s %-20s %s\n", mark, job.Name, job.Status); err != nil {
			return err
		}
		if job.Status == run.StatusFailed && job.FailedStep != "" {
			if _, err := fmt.Fprintf(p.out, "      step %q failed: %s\n", job.FailedStep, job.ErrorOutput); err != nil {
				return err
			}
		}
		for name, value := range job.Outputs {
			if _, err := fmt.Fprintf(p.out, "      output %s=%s\n", name, value); err != nil {
				return err
			}
		}
	}
	result := report.Result
	if result == "" {
		result = "running"
	}
	_, err := fmt.Fprintf(p.out, "result: %s", result)
	if err != nil {
		return err
	}
	if report.Duration != "" {
		if _, err := fmt.Fprintf(p.out, " (%s)", report.Duration); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(p.out)
	return err
}

// JSONRenderer emits the structured report.
type JSONRenderer struct {
	out io.Writer
}

// NewJSON creates a JSON renderer writing to out.
func NewJSON(out io.Writer) *JSONRenderer {
	return &JSONRenderer{out: out}
}

// Render encodes the report as indented JSON.
func (j *JSONRenderer) Render(report run.Report) error {
	enc := json.NewEncoder(j.out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
