// Package monitor contains the public helper for model authors: workers
// written in Go can use it to emit progress messages on stdout in the
// format the utopya frontend parses.
package monitor

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prefix tags a stdout line as a monitor message.
const Prefix = "!!map"

// Emitter writes monitor messages to a stream, typically os.Stdout.
type Emitter struct {
	w io.Writer
}

// New creates an Emitter writing to w.
func New(w io.Writer) *Emitter { return &Emitter{w: w} }

// Emit writes one monitor message. The payload is flow-encoded so the
// whole message stays on a single line.
func (e *Emitter) Emit(data map[string]any) error {
	line, err := Line(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.w, line)
	return err
}

// Progress emits a message carrying only the progress entry.
func (e *Emitter) Progress(p float64) error {
	return e.Emit(map[string]any{"progress": p})
}

// Line renders a monitor message without writing it.
func Line(data map[string]any) (string, error) {
	var node yaml.Node
	if err := node.Encode(data); err != nil {
		return "", fmt.Errorf("encode monitor payload: %w", err)
	}
	setFlowStyle(&node)
	raw, err := yaml.Marshal(&node)
	if err != nil {
		return "", fmt.Errorf("marshal monitor payload: %w", err)
	}
	return Prefix + " " + strings.TrimSpace(string(raw)), nil
}

func setFlowStyle(n *yaml.Node) {
	n.Style = yaml.FlowStyle
	for _, c := range n.Content {
		setFlowStyle(c)
	}
}
