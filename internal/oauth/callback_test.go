package oauth

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCallbackServerDeliversCodeAndState(t *testing.T) {
	cs, err := StartCallbackServer(0, zap.NewNop())
	require.NoError(t, err)
	defer cs.Stop()

	resp, err := http.Get(fmt.Sprintf("%s?code=abc&state=xyz", cs.RedirectURI))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result, err := cs.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Code)
	assert.Equal(t, "xyz", result.State)
}

func TestCallbackServerReportsProviderError(t *testing.T) {
	cs, err := StartCallbackServer(0, zap.NewNop())
	require.NoError(t, err)
	defer cs.Stop()

	resp, err := http.Get(cs.RedirectURI + "?error=access_denied")
	require.NoError(t, err)
	resp.Body.Close()

	_, err = cs.Wait(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestCallbackServerTimesOut(t *testing.T) {
	cs, err := StartCallbackServer(0, zap.NewNop())
	require.NoError(t, err)
	defer cs.Stop()

	start := time.Now()
	_, err = cs.Wait(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallbackServerHonorsContextCancel(t *testing.T) {
	cs, err := StartCallbackServer(0, zap.NewNop())
	require.NoError(t, err)
	defer cs.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = cs.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
