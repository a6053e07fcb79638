package common

import (
	log "github.com/sirupsen/logrus"
)

// CommandLineFormatter prints the bare log message, suitable for CLI tools.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}
