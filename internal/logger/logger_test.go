package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_LevelParsing(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" warn ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"nonsense", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log := New("livermore", tt.level, false)
			if got := log.GetLevel(); got != tt.want {
				t.Fatalf("New(%q) level = %s, want %s", tt.level, got, tt.want)
			}
		})
	}
}

func TestNew_PrettyAndPlainBothConstruct(t *testing.T) {
	plain := New("livermore", "info", false)
	pretty := New("livermore", "info", true)
	plain.Info().Msg("plain probe")
	pretty.Info().Msg("pretty probe")
}
