// Package testlog routes test logging through the test logging profile.
package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/h9ctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and brackets the test with start and done
// lines so interleaved goroutine logs can be attributed.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	start := time.Now()
	log.Info().Str("test", t.Name()).Msg("test started")
	t.Cleanup(func() {
		log.Info().
			Str("test", t.Name()).
			Bool("failed", t.Failed()).
			Dur("elapsed", time.Since(start)).
			Msg("test done")
	})
}
