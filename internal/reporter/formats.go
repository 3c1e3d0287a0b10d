package reporter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
)

func (r *Reporter) resolveParser(name string) (ParserFunc, error) {
	switch name {
	case "", "progress_bar":
		return parseProgressBar, nil
	case "task_counters":
		return parseTaskCounters, nil
	case "progress":
		return parseProgress, nil
	case "summary":
		return parseSummary, nil
	case "runtime_stats":
		return parseRuntimeStats, nil
	}
	return nil, fmt.Errorf("unknown parser: %q", name)
}

func (r *Reporter) resolveWriter(name string) (WriterFunc, error) {
	switch name {
	case "console", "stdout":
		return writeToConsole, nil
	case "log":
		return writeToLog, nil
	case "file":
		return writeToFile, nil
	}
	return nil, fmt.Errorf("unknown writer: %q", name)
}

// -- Parsers -----------------------------------------------------------------

// parseProgressBar renders via the progress bar itself and returns no text.
func parseProgressBar(r *Reporter) string {
	if r.suppressCR {
		return ""
	}
	if r.bar == nil {
		c := r.source.Counters()
		r.bar = progressbar.NewOptions64(
			r.barScale,
			progressbar.OptionSetDescription(
				fmt.Sprintf("Working on %d tasks", c.Total)),
			progressbar.OptionSetWriter(r.consoleOut),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(r.consoleOut, "\n")
			}),
		)
	}
	_ = r.bar.Set64(int64(r.source.Progress() * float64(r.barScale)))
	return ""
}

func parseTaskCounters(r *Reporter) string {
	c := r.source.Counters()
	return fmt.Sprintf(
		"total: %d,  active: %d,  finished: %d,  succeeded: %d,  "+
			"skipped: %d,  stopped: %d,  failed: %d",
		c.Total, c.Active, c.Finished, c.Succeeded,
		c.Skipped, c.Stopped, c.Failed)
}

func parseProgress(r *Reporter) string {
	c := r.source.Counters()
	return fmt.Sprintf("finished %d / %d  (%.1f%%)",
		c.Finished, c.Total, r.source.Progress()*100)
}

func parseSummary(r *Reporter) string {
	c := r.source.Counters()

	var b strings.Builder
	fmt.Fprintf(&b, "Work duration:  %s\n", formatDuration(r.Elapsed()))
	fmt.Fprintf(&b, "Tasks finished: %d / %d total\n", c.Finished, c.Total)
	fmt.Fprintf(&b, "  worked on:    %d\n", c.WorkedOn())
	fmt.Fprintf(&b, "  succeeded:    %s\n", color.GreenString("%d", c.Succeeded))
	fmt.Fprintf(&b, "  skipped:      %d\n", c.Skipped)
	fmt.Fprintf(&b, "  stopped:      %d\n", c.Stopped)
	if c.Failed > 0 {
		fmt.Fprintf(&b, "  failed:       %s\n", color.RedString("%d", c.Failed))
	} else {
		fmt.Fprintf(&b, "  failed:       %d\n", c.Failed)
	}
	if stats := parseRuntimeStats(r); stats != "" {
		b.WriteString(stats)
	}
	return b.String()
}

// parseRuntimeStats tabulates runtime statistics over registered finished
// tasks; empty until at least one task has a runtime.
func parseRuntimeStats(r *Reporter) string {
	if len(r.runtimes) == 0 {
		return ""
	}
	min, max, total := r.runtimes[0], r.runtimes[0], time.Duration(0)
	for _, rt := range r.runtimes {
		if rt < min {
			min = rt
		}
		if rt > max {
			max = rt
		}
		total += rt
	}
	mean := total / time.Duration(len(r.runtimes))

	var b strings.Builder
	b.WriteString("Runtime statistics:\n")
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"", "runtime"})
	table.SetBorder(false)
	table.Append([]string{"mean", formatDuration(mean)})
	table.Append([]string{"min", formatDuration(min)})
	table.Append([]string{"max", formatDuration(max)})
	table.Append([]string{"total (cpu)", formatDuration(total)})
	table.Render()
	return b.String()
}

// -- Writers -----------------------------------------------------------------

func writeToConsole(r *Reporter, text string) error {
	if r.bar != nil && !r.suppressCR {
		// Make room below the progress line.
		_ = r.bar.Clear()
	}
	_, err := fmt.Fprintln(r.consoleOut, text)
	return err
}

func writeToLog(r *Reporter, text string) error {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		r.log.Info().Msg(line)
	}
	return nil
}

// writeToFile appends the report, with a timestamp header, to the report
// file.
func writeToFile(r *Reporter, text string) error {
	if r.reportPath == "" {
		// No report file configured for this run.
		return nil
	}
	if err := r.ensureReportDir(); err != nil {
		return err
	}
	f, err := os.OpenFile(r.reportPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()
	ts := time.Now().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "--- %s ---\n%s\n", ts, stripANSI(text)); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return d.Round(time.Second).String()
	case d >= time.Minute:
		return d.Round(100 * time.Millisecond).String()
	}
	return d.Round(time.Millisecond).String()
}

// stripANSI removes terminal escape sequences so that report files stay
// plain text even when console colors are enabled.
func stripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
