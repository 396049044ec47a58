package protolog

// MultiLogger fans one event stream out to several loggers, e.g. an
// in-memory SlogAdapter for console visibility alongside a persisted
// sink for later inspection.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger that forwards to every logger
// given, in order.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

var _ Logger = (*MultiLogger)(nil)
