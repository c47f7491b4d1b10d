package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func noWait(context.Context, time.Duration) error { return nil }

func TestStartup_StartsInDependencyOrder(t *testing.T) {
	var started []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			started = append(started, name)
			return nil
		}
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&Dependency{Name: "http", Requires: []string{"database", "redis"}, StartFunc: record("http")})
	s.AddDependency(&Dependency{Name: "database", StartFunc: record("database")})
	s.AddDependency(&Dependency{Name: "redis", StartFunc: record("redis")})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"database", "redis", "http"}, started)
	assert.Equal(t, StartupStatusStarted, s.Status("http"))
}

func TestStartup_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	s := NewStartup(testLogger(), 3)
	s.wait = noWait
	s.AddDependency(&Dependency{Name: "database", StartFunc: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStartup_GivesUp(t *testing.T) {
	s := NewStartup(testLogger(), 2)
	s.wait = noWait
	s.AddDependency(&Dependency{Name: "redis", StartFunc: func(context.Context) error {
		return errors.New("no route to host")
	}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup failed after 2 attempts")
	assert.Equal(t, StartupStatusFailed, s.Status("redis"))
}

func TestStartup_StopReverseOrder(t *testing.T) {
	var stopped []string
	stop := func(name string) func(context.Context) error {
		return func(context.Context) error {
			stopped = append(stopped, name)
			return nil
		}
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&Dependency{Name: "database", StopFunc: stop("database")})
	s.AddDependency(&Dependency{Name: "kafka", StopFunc: stop("kafka")})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{"kafka", "database"}, stopped)
}
