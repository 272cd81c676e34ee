package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base *logrus.Logger
	once sync.Once
)

// Base returns the process-wide logger, configured on first use.
// The level comes from STAGECRAFT_LOG_LEVEL; JSON output is enabled
// with STAGECRAFT_LOG_FORMAT=json for log aggregation.
func Base() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()

		if os.Getenv("STAGECRAFT_LOG_FORMAT") == "json" {
			base.SetFormatter(&logrus.JSONFormatter{
				FieldMap: logrus.FieldMap{
					logrus.FieldKeyTime:  "timestamp",
					logrus.FieldKeyLevel: "level",
					logrus.FieldKeyMsg:   "message",
				},
			})
		} else {
			base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}

		if level := os.Getenv("STAGECRAFT_LOG_LEVEL"); level != "" {
			if logLevel, err := logrus.ParseLevel(level); err == nil {
				base.SetLevel(logLevel)
			}
		} else {
			base.SetLevel(logrus.InfoLevel)
		}
	})
	return base
}

// WithComponent returns an entry tagged with the originating component
func WithComponent(component string) *logrus.Entry {
	return Base().WithField("component", component)
}
