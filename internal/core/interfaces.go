package core

// ILogger is the structured logging interface every component depends on.
// pkg/logging provides the zap-backed implementation; tests use a recording
// fake, so components never import zap directly.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
