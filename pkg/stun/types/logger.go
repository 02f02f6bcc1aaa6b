package types

// Logger is implemented by anything that can absorb the leveled log
// output of the transaction engine and its transports.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	// ToggleDebug enables or disables debug output and reports the
	// resulting state.
	ToggleDebug(value bool) bool
}
