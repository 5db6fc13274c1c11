// Package log provides the component loggers used across nexio.
//
// Every subsystem pulls its logger from For(name) rather than constructing
// its own zerolog.Logger, so a single Configure call in the host
// application, made before the runtime's components are created,
// reconfigures the whole runtime.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
	level            = zerolog.InfoLevel
	cache            = map[string]zerolog.Logger{}
)

// Configure sets the process-wide output writer and minimum level for all
// loggers vended by For. Safe to call before or after For has been used,
// but loggers already returned by For keep the output and level they were
// created with; only later For calls see the new settings.
func Configure(w io.Writer, lvl zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	level = lvl
	cache = map[string]zerolog.Logger{}
}

// For returns the logger for a named subsystem, e.g. "loop", "channel",
// "tls", "bootstrap". The component name is attached as a static field.
func For(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := cache[component]; ok {
		return l
	}
	l := zerolog.New(output).Level(level).With().Timestamp().Str("component", component).Logger()
	cache[component] = l
	return l
}
