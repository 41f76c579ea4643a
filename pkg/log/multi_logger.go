package log

// MultiLogger fans each trace event out to several loggers, typically a
// console adapter and a file capture running side by side.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger creates a MultiLogger forwarding to all given loggers.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Log forwards the event to every logger in order.
func (m *MultiLogger) Log(event Event) {
	for _, sink := range m.sinks {
		sink.Log(event)
	}
}

// Compile-time interface satisfaction check.
var _ Logger = (*MultiLogger)(nil)
