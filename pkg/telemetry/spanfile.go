package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Driftware-Labs/keel/pkg/contracts"
)

// SpanFileExporter appends finished spans to a line-oriented JSONL file.
// Each record is serialized completely, written with a single Write, and
// fsynced before the next: a record is either fully present or absent,
// never partial. Ordering within a trace is reconstructed from parent/child
// links, not from file order.
type SpanFileExporter struct {
	mu   sync.Mutex
	file *os.File
}

// NewSpanFileExporter opens (appending) the span record file.
func NewSpanFileExporter(path string) (*SpanFileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open span file %s: %w", path, err)
	}
	return &SpanFileExporter{file: f}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SpanFileExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sp := range spans {
		rec := contracts.TelemetrySpan{
			TraceID: sp.SpanContext().TraceID().String(),
			SpanID:  sp.SpanContext().SpanID().String(),
			Name:    sp.Name(),
			Start:   sp.StartTime(),
			End:     sp.EndTime(),
		}
		if sp.Parent().HasSpanID() {
			rec.ParentSpanID = sp.Parent().SpanID().String()
		}
		if attrs := sp.Attributes(); len(attrs) > 0 {
			rec.Attributes = make(map[string]string, len(attrs))
			for _, kv := range attrs {
				rec.Attributes[string(kv.Key)] = kv.Value.Emit()
			}
		}

		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal span %s: %w", rec.SpanID, err)
		}
		line = append(line, '\n')
		if _, err := e.file.Write(line); err != nil {
			return fmt.Errorf("append span record: %w", err)
		}
		if err := e.file.Sync(); err != nil {
			return fmt.Errorf("flush span record: %w", err)
		}
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *SpanFileExporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}

var _ sdktrace.SpanExporter = (*SpanFileExporter)(nil)

// ReadSpanFile parses a span record file back into structured records,
// skipping nothing: any malformed line is an error, since the exporter never
// produces partial records.
func ReadSpanFile(path string) ([]contracts.TelemetrySpan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []contracts.TelemetrySpan
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var rec contracts.TelemetrySpan
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("parse span file %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
