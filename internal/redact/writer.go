package redact

import "go.uber.org/zap/zapcore"

// Writer wraps a zapcore.WriteSyncer and redacts every line written through
// it. Plugging it in at the WriteSyncer layer (rather than per log call)
// means no call site needs to remember to redact — exactly the
// "transparent at the boundary" property arkeep/server/internal/db/encrypt.go
// gives database columns, applied here to the log sink.
type Writer struct {
	out zapcore.WriteSyncer
	r   *Redactor
}

// NewWriter wraps out with redaction using the default field set.
func NewWriter(out zapcore.WriteSyncer) *Writer {
	return &Writer{out: out, r: New()}
}

// Write implements io.Writer. zap always passes one fully-encoded log entry
// (including its trailing newline) per call, so redacting the whole buffer
// as one line is correct.
func (w *Writer) Write(p []byte) (int, error) {
	redacted := w.r.Line(string(p))
	n, err := w.out.Write([]byte(redacted))
	if err != nil {
		return n, err
	}
	// Report the original length so zap's core does not treat this as a
	// short write when redaction changes the byte count.
	return len(p), nil
}

// Sync implements zapcore.WriteSyncer.
func (w *Writer) Sync() error {
	return w.out.Sync()
}
