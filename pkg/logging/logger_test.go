package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		"empty_defaults_to_info": {in: "", want: InfoLevel},
		"upper_case":             {in: "DEBUG", want: DebugLevel},
		"padded":                 {in: " warn ", want: WarnLevel},
		"unknown":                {in: "trace", wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: InfoLevel, Output: &buf, ServiceName: "overseer", Environment: "test"})

	logger.WithService("cache").WithError(errors.New("boom")).Info("service started", "attempt", 2, "dangling")
	logger.Debug("hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "service started", entry["msg"])
	assert.Equal(t, "overseer", entry["app"])
	assert.Equal(t, "test", entry["environment"])
	assert.Equal(t, "cache", entry["service"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "", entry["dangling"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().WithField("a", 1).Error("ignored", "k", "v")
	})
}
