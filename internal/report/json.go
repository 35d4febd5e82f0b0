package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
)

// JSONWriter outputs summaries in JSON format for tool integration.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	indent bool
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithPrettyPrint enables pretty-printed JSON with two-space indentation.
func WithPrettyPrint() JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
	}
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// JSONSummary is the JSON document written by JSONWriter.
type JSONSummary struct {
	RunID         string             `json:"run_id"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	Proxy         string             `json:"proxy,omitempty"`
	Exit          string             `json:"exit,omitempty"`
	ExitCountry   string             `json:"exit_country,omitempty"`
	Rotations     int                `json:"rotations"`
	Total         int                `json:"total"`
	Completed     int                `json:"completed"`
	Skipped       int                `json:"skipped"`
	Failed        int                `json:"failed"`
	Failures      []download.Failure `json:"failures"`
	FailureReport string             `json:"failure_report,omitempty"`
}

// NewJSONSummary flattens a Summary.
func NewJSONSummary(s *Summary) *JSONSummary {
	out := &JSONSummary{
		Proxy:       s.Proxy,
		Exit:        s.Exit,
		ExitCountry: s.ExitCountry,
		Rotations:   s.Rotations,
		Failures:    []download.Failure{},
	}
	if r := s.Report; r != nil {
		out.RunID = r.RunID.String()
		out.StartedAt = r.StartedAt
		out.FinishedAt = r.FinishedAt
		out.Total = r.Stats.Total
		out.Completed = r.Stats.Completed
		out.Skipped = r.Stats.Skipped
		out.Failed = r.Stats.Failed
		out.FailureReport = r.FailureReportPath
		if len(r.Failures) > 0 {
			out.Failures = r.Failures
		}
	}
	return out
}

// Write outputs the summary in JSON format.
func (w *JSONWriter) Write(s *Summary) (int, error) {
	var data []byte
	var err error

	if w.indent {
		data, err = json.MarshalIndent(NewJSONSummary(s), "", "  ")
	} else {
		data, err = json.Marshal(NewJSONSummary(s))
	}
	if err != nil {
		return 0, err
	}

	// Add trailing newline for better terminal output
	data = append(data, '\n')

	return w.output.Write(data)
}
