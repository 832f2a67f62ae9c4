package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  zerolog.Level
	}{
		{DebugLevel, zerolog.DebugLevel},
		{InfoLevel, zerolog.InfoLevel},
		{WarnLevel, zerolog.WarnLevel},
		{ErrorLevel, zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.want, ZerologLevel(tt.level))
		})
	}
}

func TestChildLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })

	tests := []struct {
		name   string
		logger zerolog.Logger
		field  string
		value  string
	}{
		{"component", WithComponent("scheduler"), "component", "scheduler"},
		{"node", WithNodeID("broker-1"), "node_id", "broker-1"},
		{"plan", WithPlanID("plan-1"), "plan_id", "plan-1"},
		{"job instance", WithJobInstanceID("ji-1"), "job_instance_id", "ji-1"},
		{"task", WithTaskID("task-1"), "task_id", "task-1"},
		{"worker", WithWorkerID("w-1"), "worker_id", "w-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logger.Info().Msg("hello")

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.value, entry[tt.field])
			assert.Equal(t, "hello", entry["message"])
		})
	}
}
