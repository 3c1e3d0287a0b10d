package task

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
)

// streamBufferSize bounds the number of lines buffered between the reader
// goroutines and the polling loop. A full buffer applies backpressure to the
// worker via its pipe rather than growing memory without bound.
const streamBufferSize = 4096

const maxLineBytes = 1024 * 1024

func (t *Task) readLines(stream string, r io.Reader, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		t.incoming <- rawLine{stream: stream, text: sc.Text()}
	}
}

// PollStreams drains up to maxLines newly available lines from stdout and
// stderr combined, without blocking. A negative maxLines drains everything
// currently buffered (but never waits for more). Lines from stdout are
// tested for monitor messages; matches update the monitor state. Returns
// the number of lines read and whether the monitor state was updated.
// Calling this on a terminal or not-yet-spawned task is a no-op.
func (t *Task) PollStreams(maxLines int) (int, bool) {
	if t.status != StatusActive {
		return 0, false
	}
	return t.drainLines(maxLines)
}

func (t *Task) drainLines(maxLines int) (int, bool) {
	if t.incoming == nil {
		return 0, false
	}
	n := 0
	monitorUpdated := false
	for maxLines < 0 || n < maxLines {
		select {
		case raw, ok := <-t.incoming:
			if !ok {
				t.incoming = nil
				return n, monitorUpdated
			}
			if t.captureLine(raw) {
				monitorUpdated = true
			}
			n++
		default:
			return n, monitorUpdated
		}
	}
	return n, monitorUpdated
}

// captureLine records one line, parsing and forwarding as configured.
// Reports whether the line updated the monitor state.
func (t *Task) captureLine(raw rawLine) bool {
	t.seq++
	line := StreamLine{Seq: t.seq, Stream: raw.stream, Text: raw.text}

	updated := false
	if raw.stream == "out" {
		if data, ok := ParseMonitorLine(raw.text); ok {
			t.monitor = data
			t.monitorUpdates++
			line.Parsed = true
			updated = true
		}
	}

	if raw.stream == "out" {
		t.outLines = append(t.outLines, line)
	} else {
		t.errLines = append(t.errLines, line)
	}

	if t.cfg.Streams.Forward && (!line.Parsed || t.cfg.Streams.ForwardMonitor) {
		fmt.Fprintln(t.cfg.Streams.ForwardTo, raw.text)
	}
	return updated
}

// OutLines returns a copy of the captured stdout lines.
func (t *Task) OutLines() []StreamLine {
	return append([]StreamLine(nil), t.outLines...)
}

// ErrLines returns a copy of the captured stderr lines.
func (t *Task) ErrLines() []StreamLine {
	return append([]StreamLine(nil), t.errLines...)
}

// Lines returns all captured lines of both streams in capture order.
func (t *Task) Lines() []StreamLine {
	merged := make([]StreamLine, 0, len(t.outLines)+len(t.errLines))
	merged = append(merged, t.outLines...)
	merged = append(merged, t.errLines...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	return merged
}

// TailLines returns the text of the last n captured lines.
func (t *Task) TailLines(n int) []string {
	all := t.Lines()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]string, len(all))
	for i, l := range all {
		out[i] = l.Text
	}
	return out
}

// SaveStreams appends captured lines that were not yet flushed to the
// configured log file, in capture order. With final=true the task will not
// write again; the final flush after reaching a terminal state thus happens
// exactly once. Without a configured LogPath this is a no-op.
func (t *Task) SaveStreams(final bool) error {
	if t.cfg.LogPath == "" || t.savedFinal {
		return nil
	}

	var pending []StreamLine
	for _, l := range t.Lines() {
		if l.Seq > t.savedSeq {
			pending = append(pending, l)
		}
	}
	if len(pending) == 0 {
		if final {
			t.savedFinal = true
		}
		return nil
	}

	f, err := os.OpenFile(t.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("task %s: open stream log: %w", t.name, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, l := range pending {
		if _, err := w.WriteString(l.Text + "\n"); err != nil {
			return fmt.Errorf("task %s: write stream log: %w", t.name, err)
		}
		t.savedSeq = l.Seq
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("task %s: flush stream log: %w", t.name, err)
	}
	if final {
		t.savedFinal = true
	}
	return nil
}
