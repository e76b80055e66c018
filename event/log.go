package event

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes structured event output to an io.Writer, either as
// human-readable text (one line per event) or as JSON lines.
//
// Example text output:
//
//	[dag:node_start] run=run-001 step=0a6f... source=pipeline node=fetch data={"ParentStep":"0a6e...",...}
//
// Example JSON output:
//
//	{"type":"dag:node_start","run_id":"run-001","step":"0a6f...","source":"pipeline","sourceNode":"fetch","data":{"ParentStep":"0a6e...",...}}
//
// The data part is left out only for events whose Data is nil.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w. If w is nil,
// os.Stdout is used. jsonMode selects JSON-lines output over the
// default human-readable text format.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

// Emit writes a single event line.
func (l *LogEmitter) Emit(e Event) {
	if l.jsonMode {
		l.emitJSON(e)
		return
	}
	l.emitText(e)
}

func (l *LogEmitter) emitJSON(e Event) {
	data, err := json.Marshal(struct {
		Type       Type           `json:"type"`
		RunID      string         `json:"run_id"`
		Step       string         `json:"step"`
		Source     string         `json:"source"`
		SourceNode string         `json:"sourceNode,omitempty"`
		Data       any            `json:"data,omitempty"`
		Meta       map[string]any `json:"meta,omitempty"`
	}{e.Type, e.RunID, e.Step, e.Source, e.SourceNode, e.Data, e.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(e Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run=%s step=%s source=%s", e.Type, e.RunID, e.Step, e.Source)
	if e.SourceNode != "" {
		_, _ = fmt.Fprintf(l.writer, " node=%s", e.SourceNode)
	}
	if e.Data != nil {
		if b, err := json.Marshal(e.Data); err == nil {
			_, _ = fmt.Fprintf(l.writer, " data=%s", b)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes each event in order. LogEmitter never fails a batch
// short of a write error from the underlying writer, which is swallowed
// the same way Emit swallows marshal errors.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously and keeps no
// internal buffer. Wrap writer in a bufio.Writer and flush that
// directly if buffering is needed.
func (l *LogEmitter) Flush(context.Context) error { return nil }
