package report

import (
	"io"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
)

// Summary is everything a writer renders about one run.
type Summary struct {
	// Report is the downloader's outcome.
	Report *download.Report

	// Proxy is the verified endpoint the run went through.
	Proxy string

	// Exit is the exit identity observed at verification.
	Exit string

	// ExitCountry is the GeoIP country of Exit, if known.
	ExitCountry string

	// Rotations is the number of exit changes seen by the monitor.
	Rotations int
}

// Elapsed returns the run duration.
func (s *Summary) Elapsed() time.Duration {
	if s.Report == nil {
		return 0
	}
	return s.Report.FinishedAt.Sub(s.Report.StartedAt).Round(time.Millisecond)
}

// Writer defines the interface for summary output.
type Writer interface {
	// Write outputs the summary to the configured destination.
	// Returns the number of bytes written and any error encountered.
	Write(s *Summary) (int, error)
}

// MultiWriter writes to multiple Writers simultaneously.
// This is useful for outputting to both terminal and file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the summary to all configured Writers.
// Stops on first error encountered.
func (m *MultiWriter) Write(s *Summary) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.Write(s)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// statusLabel formats a status for display. cases.Caser is not safe for
// concurrent use, so each call builds its own.
func statusLabel(s download.Status) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s.String(), "_", " "))
}

// recordOutcome describes a record for display.
func recordOutcome(r download.Record) string {
	if r.Skipped {
		return "Skipped"
	}
	return statusLabel(r.Status)
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
