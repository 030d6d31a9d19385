// Package logger provides adapters for popular logger libraries to work with thinmerge's Logger interface.
//
// The adapters allow you to use your existing logger with thinmerge without writing boilerplate.
// Note that the standard library's slog.Logger already implements thinmerge.Logger directly.
//
// Example with logrus:
//
//	import (
//	    "github.com/sirupsen/logrus"
//
//	    "thinmerge"
//	    "thinmerge/logger"
//	)
//
//	func main() {
//	    log := logrus.New()
//
//	    err := thinmerge.Merge(in, out, originID,
//	        thinmerge.WithSnapshot(snapID),
//	        thinmerge.WithLogger(logger.NewLogrus(log)),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	}
package logger
