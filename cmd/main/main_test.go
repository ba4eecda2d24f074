package main

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BartekS5/totesys-etl/pkg/logger"
)

// orderCore records the order of writes and syncs.
type orderCore struct {
	zapcore.Core
	calls *[]string
}

func (c orderCore) With([]zapcore.Field) zapcore.Core { return c }

func (c orderCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(e, c)
}

func (c orderCore) Write(e zapcore.Entry, _ []zapcore.Field) error {
	*c.calls = append(*c.calls, "write:"+e.Message)
	return nil
}

func (c orderCore) Sync() error {
	*c.calls = append(*c.calls, "sync")
	return nil
}

func TestFinishFlushesFailureLog(t *testing.T) {
	var calls []string
	logger.Set(zap.New(orderCore{Core: zapcore.NewNopCore(), calls: &calls}))
	defer logger.Set(zap.NewNop())

	if code := finish(errors.New("boom")); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if len(calls) != 2 || calls[0] != "write:command failed" || calls[1] != "sync" {
		t.Errorf("calls = %v, want the failure written before sync", calls)
	}

	calls = nil
	if code := finish(nil); code != 0 || len(calls) != 1 {
		t.Errorf("finish(nil) = %d, calls %v", code, calls)
	}
}
