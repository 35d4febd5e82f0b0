package report

import (
	"io"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
)

// MarkdownWriter outputs summaries in Markdown format.
// This format is designed for documentation and sharing.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs the summary in Markdown format.
func (w *MarkdownWriter) Write(s *Summary) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, s)
	w.writeResults(md, s)
	w.writeFailures(md, s)
	w.writeRecords(md, s)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// writeHeader writes the run information table.
func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, s *Summary) {
	md.H1("torfetch Run Summary")
	md.PlainText("")

	rows := [][]string{}
	if s.Report != nil {
		rows = append(rows,
			[]string{"Run ID", "`" + s.Report.RunID.String() + "`"},
			[]string{"Started", s.Report.StartedAt.Format("2006-01-02 15:04:05 MST")},
			[]string{"Elapsed", s.Elapsed().String()},
		)
	}
	if s.Proxy != "" {
		rows = append(rows, []string{"Proxy", "`" + s.Proxy + "`"})
	}
	if s.Exit != "" {
		exit := "`" + s.Exit + "`"
		if s.ExitCountry != "" {
			exit += " (" + s.ExitCountry + ")"
		}
		rows = append(rows, []string{"Exit", exit})
	}
	rows = append(rows, []string{"Exit Rotations", strconv.Itoa(s.Rotations)})

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeResults writes counters, a pie chart and an alert.
func (w *MarkdownWriter) writeResults(md *markdown.Markdown, s *Summary) {
	if s.Report == nil {
		return
	}
	st := s.Report.Stats

	md.H2("Results")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"✅ Completed", strconv.Itoa(st.Completed)},
			{"⏭️ Skipped", strconv.Itoa(st.Skipped)},
			{"❌ Failed", strconv.Itoa(st.Failed)},
			{"**Total**", "**" + strconv.Itoa(st.Total) + "**"},
		},
	})
	md.PlainText("")

	if st.Total > 0 {
		chart := piechart.NewPieChart(
			io.Discard,
			piechart.WithTitle("Task Outcomes"),
			piechart.WithShowData(true),
		)
		if st.Completed > 0 {
			chart.LabelAndIntValue("Completed", uint64(st.Completed)) //nolint:gosec // counts are non-negative
		}
		if st.Skipped > 0 {
			chart.LabelAndIntValue("Skipped", uint64(st.Skipped)) //nolint:gosec // counts are non-negative
		}
		if st.Failed > 0 {
			chart.LabelAndIntValue("Failed", uint64(st.Failed)) //nolint:gosec // counts are non-negative
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	switch {
	case st.Failed > 0 && st.Failed == st.Total:
		md.Cautionf("Every task failed (%d). Check the proxy and the task list.", st.Failed)
	case st.Failed > 0:
		md.Warningf("%d task(s) failed after all retries.", st.Failed)
	case st.Total == 0:
		md.Note("The task list was empty.")
	default:
		md.Tip("All tasks completed.")
	}
	md.PlainText("")
}

// writeFailures writes the failure table.
func (w *MarkdownWriter) writeFailures(md *markdown.Markdown, s *Summary) {
	if s.Report == nil || len(s.Report.Failures) == 0 {
		return
	}

	md.H2("Failures")
	md.PlainText("")

	rows := make([][]string, len(s.Report.Failures))
	for i, f := range s.Report.Failures {
		rows[i] = []string{
			truncateString(f.URL, 60),
			truncateString(f.Path, 40),
			truncateString(f.Error, 60),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Path", "Error"},
		Rows:   rows,
	})
	md.PlainText("")

	if s.Report.FailureReportPath != "" {
		md.PlainTextf("Full failure report: `%s`", s.Report.FailureReportPath)
		md.PlainText("")
	}
}

// writeRecords writes a collapsible per-task table.
func (w *MarkdownWriter) writeRecords(md *markdown.Markdown, s *Summary) {
	if s.Report == nil || len(s.Report.Records) == 0 {
		return
	}

	inner := markdown.NewMarkdown(io.Discard)
	rows := make([][]string, len(s.Report.Records))
	for i, r := range s.Report.Records {
		rows[i] = []string{recordOutcome(r), strconv.Itoa(r.Attempts), truncateString(r.Task.URL, 70)}
	}
	inner.Table(markdown.TableSet{
		Header: []string{"Outcome", "Attempts", "URL"},
		Rows:   rows,
	})

	md.Details("All tasks", "\n"+inner.String())
	md.PlainText("")
}

// writeFooter writes the summary footer.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainText("*Generated by torfetch*")
}
