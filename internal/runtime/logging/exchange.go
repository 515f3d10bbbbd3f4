package logging

// ForExchange returns the logger for one exchange. Debug and trace lines are
// dropped unless debug is true, so the flag travels with the exchange instead
// of living in process-wide state.
func ForExchange(base ServiceLogger, debug bool, fields LogFields) ServiceLogger {
	if base == nil {
		base = Nop()
	}
	logger := base.With(fields)
	if debug {
		return logger
	}
	return quietLogger{ServiceLogger: logger}
}

type quietLogger struct {
	ServiceLogger
}

func (q quietLogger) With(fields LogFields) ServiceLogger {
	return quietLogger{ServiceLogger: q.ServiceLogger.With(fields)}
}

func (quietLogger) Debug(string, LogFields) {}

func (quietLogger) Trace(string, LogFields) {}
