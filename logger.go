package chm

import "github.com/hashicorp/go-hclog"

// Logger receives the map's diagnostic events: resizes, aborted resizes and
// bin conversions. hclog.Logger satisfies it, so does any logger with the same
// key/value calling convention.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

var nullLogger Logger = hclog.NewNullLogger()
