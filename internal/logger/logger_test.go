package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentPrefixAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	})

	SetLevel("warn")
	log := With("engine", "pool", "core")
	log.Infof("hidden %d", 1)
	log.Warnf("skip %s", "AAA")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[engine] skip AAA")
	assert.Contains(t, out, "pool=core")
	assert.Equal(t, "warn", Level())
}

func TestSetLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })
	SetLevel("verbose")
	assert.Equal(t, "info", Level())
}
