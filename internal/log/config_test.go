package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zapcore"
)

type ModuleLevelTestSuite struct {
	suite.Suite
	originalEnvFunc func(string) (string, bool)
	testEnv         map[string]string
}

func TestModuleLevelSuite(t *testing.T) {
	suite.Run(t, new(ModuleLevelTestSuite))
}

func (s *ModuleLevelTestSuite) SetupTest() {
	s.originalEnvFunc = envFunc
	s.testEnv = make(map[string]string)
	envFunc = func(key string) (string, bool) {
		v, ok := s.testEnv[key]
		return v, ok && v != ""
	}
}

func (s *ModuleLevelTestSuite) TearDownTest() {
	envFunc = s.originalEnvFunc
}

func (s *ModuleLevelTestSuite) TestLevels() {
	tests := []struct {
		name  string
		env   map[string]string
		names []string
		want  zapcore.Level
	}{
		{
			name:  "defaults to info",
			names: []string{"Engine"},
			want:  zapcore.InfoLevel,
		},
		{
			name:  "global level",
			env:   map[string]string{"LOG_LEVEL": "debug"},
			names: []string{"Engine"},
			want:  zapcore.DebugLevel,
		},
		{
			name:  "module beats global",
			env:   map[string]string{"LOG_LEVEL": "debug", "LOG_LEVEL__ENGINE": "warn"},
			names: []string{"Engine"},
			want:  zapcore.WarnLevel,
		},
		{
			name:  "child inherits parent",
			env:   map[string]string{"LOG_LEVEL": "error", "LOG_LEVEL__ENGINE": "debug"},
			names: []string{"Engine", "Retry"},
			want:  zapcore.DebugLevel,
		},
		{
			name:  "most specific wins",
			env:   map[string]string{"LOG_LEVEL__GATEWAY": "info", "LOG_LEVEL__GATEWAY__CONN_MGR": "error"},
			names: []string{"Gateway", "ConnMgr"},
			want:  zapcore.ErrorLevel,
		},
		{
			name:  "camel case names",
			env:   map[string]string{"LOG_LEVEL__REQUEST_STORE": "warn"},
			names: []string{"RequestStore"},
			want:  zapcore.WarnLevel,
		},
		{
			name:  "invalid level falls through",
			env:   map[string]string{"LOG_LEVEL": "warn", "LOG_LEVEL__ENGINE": "loud"},
			names: []string{"Engine"},
			want:  zapcore.WarnLevel,
		},
		{
			name:  "case insensitive",
			env:   map[string]string{"LOG_LEVEL__PRESENCE": "DEBUG"},
			names: []string{"Presence"},
			want:  zapcore.DebugLevel,
		},
		{
			name: "no names uses global",
			env:  map[string]string{"LOG_LEVEL": "error"},
			want: zapcore.ErrorLevel,
		},
	}

	for _, tc := range tests {
		s.Run(tc.name, func() {
			s.testEnv = map[string]string{}
			for k, v := range tc.env {
				s.testEnv[k] = v
			}
			s.Equal(tc.want, moduleLevel(tc.names))
		})
	}
}

func TestLevelKeys(t *testing.T) {
	assert.Equal(t, []string{"LOG_LEVEL"}, levelKeys(nil))
	assert.Equal(t,
		[]string{"LOG_LEVEL__SESSION__ROSTER", "LOG_LEVEL__SESSION", "LOG_LEVEL"},
		levelKeys([]string{"Session", "Roster"}))
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error", "fatal"} {
		_, ok := parseLevel(s)
		assert.True(t, ok, s)
	}
	lv, ok := parseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, zapcore.InfoLevel, lv)
}

func TestModuleAndWith(t *testing.T) {
	logger := NewNop()
	child := logger.Module("Engine").Module("Retry")
	assert.Equal(t, []string{"Engine", "Retry"}, child.names)

	tagged := child.With(RequestID("r1"))
	assert.Equal(t, child.names, tagged.names)
	assert.Equal(t, []string{"Engine", "Retry", "Store"}, tagged.Module("Store").names)
}
