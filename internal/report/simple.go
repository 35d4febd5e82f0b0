package report

import (
	"fmt"
	"io"
	"strings"
)

// SimpleWriter outputs human-readable text summaries for terminal display.
type SimpleWriter struct {
	baseWriter

	// verbose lists every record, not only failures.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose lists every task with its outcome.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write outputs the summary in human-readable format.
func (w *SimpleWriter) Write(s *Summary) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, s)
	w.writeStats(&sb, s)
	w.writeRecords(&sb, s)
	w.writeFailures(&sb, s)
	w.writeFooter(&sb)

	return w.output.Write([]byte(sb.String()))
}

// writeHeader writes the run information.
func (w *SimpleWriter) writeHeader(sb *strings.Builder, s *Summary) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("                       TORFETCH RUN SUMMARY\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	if s.Report != nil {
		sb.WriteString(fmt.Sprintf("Run ID:     %s\n", s.Report.RunID))
		sb.WriteString(fmt.Sprintf("Started:    %s\n", s.Report.StartedAt.Format("2006-01-02 15:04:05 MST")))
		sb.WriteString(fmt.Sprintf("Elapsed:    %s\n", s.Elapsed()))
	}
	if s.Proxy != "" {
		sb.WriteString(fmt.Sprintf("Proxy:      %s\n", s.Proxy))
	}
	if s.Exit != "" {
		exit := s.Exit
		if s.ExitCountry != "" {
			exit += " (" + s.ExitCountry + ")"
		}
		sb.WriteString(fmt.Sprintf("Exit:       %s\n", exit))
	}
	if s.Rotations > 0 {
		sb.WriteString(fmt.Sprintf("Rotations:  %d\n", s.Rotations))
	}
	sb.WriteString("\n")
}

// writeStats writes the run counters.
func (w *SimpleWriter) writeStats(sb *strings.Builder, s *Summary) {
	if s.Report == nil {
		return
	}
	st := s.Report.Stats

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("RESULTS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("  COMPLETED: %d\n", st.Completed))
	sb.WriteString(fmt.Sprintf("  SKIPPED:   %d\n", st.Skipped))
	sb.WriteString(fmt.Sprintf("  FAILED:    %d\n", st.Failed))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("  TOTAL:     %d tasks\n", st.Total))
	sb.WriteString("\n")
}

// writeRecords lists every task in verbose mode.
func (w *SimpleWriter) writeRecords(sb *strings.Builder, s *Summary) {
	if !w.verbose || s.Report == nil || len(s.Report.Records) == 0 {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("TASKS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	for _, r := range s.Report.Records {
		sb.WriteString(fmt.Sprintf("  [%-16s] %s\n", recordOutcome(r), r.Task.URL))
		if r.Attempts > 1 {
			sb.WriteString(fmt.Sprintf("    Attempts: %d\n", r.Attempts))
		}
	}
	sb.WriteString("\n")
}

// writeFailures lists permanently failed tasks.
func (w *SimpleWriter) writeFailures(sb *strings.Builder, s *Summary) {
	if s.Report == nil || len(s.Report.Failures) == 0 {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("FAILURES\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	for _, f := range s.Report.Failures {
		sb.WriteString(fmt.Sprintf("  * %s\n", f.URL))
		sb.WriteString(fmt.Sprintf("    Path:  %s\n", f.Path))
		sb.WriteString(fmt.Sprintf("    Error: %s\n", f.Error))
	}
	sb.WriteString("\n")

	if s.Report.FailureReportPath != "" {
		sb.WriteString(fmt.Sprintf("Failure report: %s\n\n", s.Report.FailureReportPath))
	}
}

// writeFooter writes the summary footer.
func (w *SimpleWriter) writeFooter(sb *strings.Builder) {
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
}
