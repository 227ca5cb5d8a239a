package utils

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFanout_DeliversToAllTargets(t *testing.T) {
	var a, b bytes.Buffer
	fanout := NewLogFanout(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)

	logger := slog.New(fanout)
	logger.Info("cycle started", "direction", "push")

	assert.Contains(t, a.String(), "cycle started")
	assert.Contains(t, b.String(), "cycle started")
	assert.Contains(t, b.String(), "direction=push")
}

func TestLogFanout_RespectsPerTargetLevels(t *testing.T) {
	var verbose, quiet bytes.Buffer
	fanout := NewLogFanout(
		slog.NewTextHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)

	assert.True(t, fanout.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(fanout)
	logger.Debug("token refreshed")

	assert.Contains(t, verbose.String(), "token refreshed")
	assert.Empty(t, quiet.String(), "debug record must not reach the warn-level target")
}

func TestLogFanout_WithAttrsPropagates(t *testing.T) {
	var a, b bytes.Buffer
	fanout := NewLogFanout(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)

	logger := slog.New(fanout).With("cycle", "abc123")
	logger.Info("lock acquired")

	assert.Contains(t, a.String(), "cycle=abc123")
	assert.Contains(t, b.String(), "cycle=abc123")
}

type failingHandler struct{ err error }

func (h *failingHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (h *failingHandler) Handle(context.Context, slog.Record) error { return h.err }
func (h *failingHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h *failingHandler) WithGroup(string) slog.Handler             { return h }

func TestLogFanout_FailingTargetDoesNotBlockOthers(t *testing.T) {
	var ok bytes.Buffer
	sentinel := errors.New("disk full")
	fanout := NewLogFanout(
		&failingHandler{err: sentinel},
		slog.NewTextHandler(&ok, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)

	var r slog.Record
	r = slog.NewRecord(r.Time, slog.LevelInfo, "state committed", 0)
	err := fanout.Handle(context.Background(), r)

	require.ErrorIs(t, err, sentinel)
	assert.Contains(t, ok.String(), "state committed")
}
