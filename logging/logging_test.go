package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level string) (*ZerologLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return New(&buf, level), &buf
}

func TestZerologLoggerLevelsWriteExpectedOutput(t *testing.T) {
	log, buf := newTestLogger(t, "debug")
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", errors.New("boom"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"level":"debug"`)
	assert.Contains(t, lines[0], `"a":1`)
	assert.Contains(t, lines[1], `"message":"inf"`)
	assert.Contains(t, lines[2], `"level":"warn"`)
	assert.Contains(t, lines[3], `"d":"boom"`)
}

func TestZerologLoggerWithAddsFields(t *testing.T) {
	log, buf := newTestLogger(t, "info")

	log.With("module", "outbox").Info(context.Background(), "hello", "k", "v")

	out := buf.String()
	assert.Contains(t, out, `"module":"outbox"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestZerologLoggerFiltersBelowLevel(t *testing.T) {
	log, buf := newTestLogger(t, "warn")

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown", "dangling")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"dangling":"(missing)"`)
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log, buf := newTestLogger(t, "loud")

	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
