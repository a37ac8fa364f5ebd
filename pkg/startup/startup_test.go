package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type journal struct {
	entries []string
}

func (j *journal) dep(name string, requires ...string) Func {
	return Func{
		Name:     name,
		Requires: requires,
		OnStart: func(context.Context) error {
			j.entries = append(j.entries, "start "+name)
			return nil
		},
		OnStop: func(context.Context) error {
			j.entries = append(j.entries, "stop "+name)
			return nil
		},
	}
}

func TestStartup_StartsInDependencyOrderAndStopsInReverse(t *testing.T) {
	j := &journal{}
	s := NewStartup(getTestLogger(), 1)
	s.AddDependency(j.dep("notifier", "redis", "database"))
	s.AddDependency(j.dep("database"))
	s.AddDependency(j.dep("redis"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start redis", "start database", "start notifier"}, j.entries)
	assert.Equal(t, StatusStarted, s.Status("notifier"))

	j.entries = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop notifier", "stop database", "stop redis"}, j.entries)
	assert.Equal(t, StatusStopped, s.Status("redis"))
}

func TestStartup_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	s := NewStartup(getTestLogger(), 3)
	s.SetBackoffUnit(time.Millisecond)
	s.AddDependency(Func{Name: "database", OnStart: func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestStartup_GivesUpAfterMaxAttempts(t *testing.T) {
	s := NewStartup(getTestLogger(), 2)
	s.SetBackoffUnit(time.Millisecond)
	s.AddDependency(Func{Name: "kafka", OnStart: func(context.Context) error {
		return errors.New("no brokers")
	}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "no brokers")
	assert.Equal(t, StatusFailed, s.Status("kafka"))
}

func TestStartup_RejectsBadGraph(t *testing.T) {
	s := NewStartup(getTestLogger(), 1)
	s.AddDependency(Func{Name: "a", Requires: []string{"b"}})
	s.AddDependency(Func{Name: "b", Requires: []string{"a"}})
	assert.ErrorContains(t, s.Start(context.Background()), "circular")

	s = NewStartup(getTestLogger(), 1)
	s.AddDependency(Func{Name: "a", Requires: []string{"missing"}})
	assert.ErrorContains(t, s.Start(context.Background()), "unknown dependency missing")
}

func TestStartup_StopJoinsErrors(t *testing.T) {
	s := NewStartup(getTestLogger(), 1)
	s.AddDependency(Func{Name: "a", OnStop: func(context.Context) error { return errors.New("a stuck") }})
	s.AddDependency(Func{Name: "b", OnStop: func(context.Context) error { return errors.New("b stuck") }})
	require.NoError(t, s.Start(context.Background()))

	err := s.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a stuck")
	assert.Contains(t, err.Error(), "b stuck")
}
