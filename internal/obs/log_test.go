package obs

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"chatty":  zapcore.InfoLevel,
	}
	for input, want := range cases {
		if got := levelFromString(input); got != want {
			t.Fatalf("levelFromString(%q)=%v, want %v", input, got, want)
		}
	}
}

func TestOrFallsBackToShared(t *testing.T) {
	shared := zap.NewExample()
	SetLogger(shared)
	t.Cleanup(func() { SetLogger(nil) })

	if Or(nil) != shared {
		t.Fatal("expected shared logger")
	}
	own := zap.NewNop()
	if Or(own) != own {
		t.Fatal("expected explicit logger")
	}
}
