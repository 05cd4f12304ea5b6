package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/withobsrvr/flowscope/internal/model"
)

func event(topic, payload string, sec int64) model.MessageEvent {
	return model.MessageEvent{
		Topic:       topic,
		SchemaName:  "test/Json",
		ReceiveTime: model.Time{Sec: sec},
		Message:     []byte(payload),
	}
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	f, err := Compile("  ")
	require.NoError(t, err)
	assert.True(t, f.Match(event("/a", "", 0)))

	var nilFilter *Filter
	assert.True(t, nilFilter.Match(event("/a", "", 0)))
	assert.Equal(t, "", nilFilter.String())
}

func TestFilterExpressions(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		ev    model.MessageEvent
		match bool
	}{
		{"topic equality", `topic == "/imu"`, event("/imu", "{}", 1), true},
		{"topic mismatch", `topic == "/imu"`, event("/gps", "{}", 1), false},
		{"time window", `receive_ns >= 2000000000`, event("/a", "", 1), false},
		{"schema prefix", `schema.startsWith("test/")`, event("/a", "", 1), true},
		{"text contains", `text.contains("error")`, event("/log", "an error occurred", 1), true},
		{"size", `size > 3`, event("/a", "abcd", 1), true},
		{"json field", `json.level >= 2.0`, event("/a", `{"level": 3}`, 1), true},
		{"json field too low", `json.level >= 2.0`, event("/a", `{"level": 1}`, 1), false},
		{"missing json field", `json.level >= 2.0`, event("/a", `{"other": 1}`, 1), false},
		{"payload not json", `json.level >= 2.0`, event("/a", "binary", 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.match, f.Match(tt.ev))
			assert.Equal(t, tt.expr, f.String())
		})
	}
}

func TestNonJSONPayloadIsLoggedAndTreatedAsNull(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	f, err := Compile(`topic == "/a" || json.level >= 2.0`)
	require.NoError(t, err)
	f.log = zap.New(core)
	assert.True(t, f.Match(event("/a", "binary", 1)), "topic still matches")
	assert.False(t, f.Match(event("/b", "binary", 1)))

	entries := logs.FilterMessage("Payload is not JSON").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "/a", entries[0].ContextMap()["topic"])
	assert.NotEmpty(t, entries[0].ContextMap()["error"])

	isNull, err := Compile(`json == null`)
	require.NoError(t, err)
	isNull.log = zap.New(core)
	assert.True(t, isNull.Match(event("/a", "{truncated", 1)))
	assert.False(t, isNull.Match(event("/a", `{"level": 1}`, 1)))
}

func TestCompileRejectsBadExpressions(t *testing.T) {
	_, err := Compile(`topic ==`)
	assert.Error(t, err)
	_, err = Compile(`unknown_var == 1`)
	assert.Error(t, err)
	_, err = Compile(`size + 1`)
	assert.ErrorContains(t, err, "want bool")
}
