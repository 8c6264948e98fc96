package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range Root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"client", "relay", "version"} {
		assert.True(t, names[want], want)
	}

	for _, flag := range []string{"address", "port", "peer-id", "tick-rate", "headless", "setup"} {
		assert.NotNil(t, clientCmd.Flags().Lookup(flag), flag)
	}
	for _, flag := range []string{"listen", "port", "api-port", "no-api", "no-db"} {
		assert.NotNil(t, relayCmd.Flags().Lookup(flag), flag)
	}
	assert.NotNil(t, Root.PersistentFlags().Lookup("config-dir"))
}

func TestStartWithRetry(t *testing.T) {
	calls := 0
	err := startWithRetry(context.Background(), "test", func(context.Context) error {
		calls++
		return nil
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// A cancelled context stops retrying during the wait.
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("bind failed")
	start := time.Now()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err = startWithRetry(ctx, "test", func(context.Context) error { return boom }, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)
}
