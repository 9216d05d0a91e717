package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const experimentLog = "experiment_log.log"

// newLogger logs to stderr and to the run directory's experiment log.
func newLogger(runDir string, debug bool) (*logrus.Logger, func() error, error) {
	path := filepath.Join(runDir, experimentLog)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.SetLevel(logrus.InfoLevel)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log, f.Close, nil
}
