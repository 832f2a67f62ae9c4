package cluster

import (
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/hashicorp/go-hclog"
)

// newRaftLogger routes raft's hclog output into the zerolog logger.
// Raft is chatty at info, so the level defaults to warn.
func newRaftLogger(level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Warn
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:        "raft",
		Level:       lvl,
		Output:      log.WithComponent("raft"),
		DisableTime: true,
	})
}
