package monitoring

import "log"

// Logf is where every package logs. It starts as log.Printf; main points it
// at logrus with UseLogrus and tests mute it with SetLogger(nil).
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces Logf. A nil f discards all output.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		f = func(string, ...any) {}
	}
	Logf = f
}
