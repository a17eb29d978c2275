// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
)

// Rotation of the log file.
const (
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 5
)

func logFormatter(entry loggo.Entry) string {
	ts := entry.Timestamp.In(time.UTC).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s %s %s %s:%d %s", ts, entry.Level, entry.Module,
		filepath.Base(entry.Filename), entry.Line, entry.Message)
}

// setupLogging sends log output to stderr and, when logFile is set, to a
// rotating file as well. The returned closer closes the file.
func setupLogging(stderr io.Writer, spec, logFile string) (io.Closer, error) {
	_, _ = loggo.RemoveWriter(loggo.DefaultWriterName)
	if err := loggo.RegisterWriter(loggo.DefaultWriterName, loggo.NewSimpleWriter(stderr, logFormatter)); err != nil {
		return nil, errors.Trace(err)
	}
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		ljLogger := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			Compress:   true,
		}
		_, _ = loggo.RemoveWriter("file")
		if err := loggo.RegisterWriter("file", loggo.NewSimpleWriter(ljLogger, logFormatter)); err != nil {
			return nil, errors.Trace(err)
		}
		closer = ljLogger
	}
	loggo.DefaultContext().ResetLoggerLevels()
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return nil, errors.Annotate(err, "configuring loggers")
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
