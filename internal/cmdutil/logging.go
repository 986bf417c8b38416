// Package cmdutil holds setup shared by the command binaries.
package cmdutil

import (
	"fmt"
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

// RootModule is the logger module every package logs under.
const RootModule = "yolov8"

// DefaultLogLevel is used when no level is given on the command line.
const DefaultLogLevel = "INFO"

// SetupLogging routes log output to w and sets the level of RootModule.
func SetupLogging(w io.Writer, level string) error {
	if level == "" {
		level = DefaultLogLevel
	}
	logLevel, ok := loggo.ParseLevel(level)
	if !ok {
		return errors.NotValidf("log level %q", level)
	}
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(w, logFormatter)); err != nil {
		return errors.Annotate(err, "replacing log writer")
	}
	return errors.Trace(loggo.ConfigureLoggers(fmt.Sprintf("%s=%s", RootModule, logLevel.String())))
}

func logFormatter(entry loggo.Entry) string {
	ts := entry.Timestamp.In(time.UTC).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s %s %s", ts, entry.Level, entry.Message)
}
