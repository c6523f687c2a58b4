package opstream

import (
	"log/slog"
	"time"
)

// Option is a function that configures a Consumer
type Option func(*Consumer)

// WithLog sets the logger
var WithLog = func(log *slog.Logger) Option {
	return func(c *Consumer) {
		c.log = log
	}
}

// WithMaxPollRecords sets the maximum number of records to poll at once
var WithMaxPollRecords = func(n int) Option {
	return func(c *Consumer) {
		c.maxPollRecords = n
	}
}

// WithPollTimeout sets the timeout for polling records from the log
var WithPollTimeout = func(timeout time.Duration) Option {
	return func(c *Consumer) {
		c.pollTimeout = timeout
	}
}

// WithContentStore sets the content store used for split sequence-number
// updates. Without it, split updates are skipped.
var WithContentStore = func(contents ContentStore) Option {
	return func(c *Consumer) {
		c.contents = contents
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write([]byte) (int, error) { return 0, nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
