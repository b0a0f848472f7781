package config

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Apply configures the standard logrus logger.
func (l LoggingConfig) Apply() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	if strings.EqualFold(l.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
