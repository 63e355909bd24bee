package observability_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capengine/cap/pkg/observability"
)

func TestNew_BuildsProviderWithDefaultConfig(t *testing.T) {
	p, err := observability.New(observability.DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p.Logger())
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation_SuccessAndFailure(t *testing.T) {
	p, err := observability.New(observability.Config{ServiceName: "test", LogLevel: "debug", Writer: os.Stdout})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "verify")
	require.NotNil(t, ctx)
	done(nil)

	_, done2 := p.TrackOperation(context.Background(), "verify")
	done2(errors.New("boom"))
}

func TestNew_WritesJSONLogLines(t *testing.T) {
	var buf bytes.Buffer
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	p, err := observability.New(observability.Config{ServiceName: "test", LogLevel: "info", Writer: w})
	require.NoError(t, err)

	p.Logger().Info("engine started", "policy_id", "pol.lksg.v1")
	require.NoError(t, w.Close())

	_, copyErr := buf.ReadFrom(r)
	require.NoError(t, copyErr)
	require.Contains(t, buf.String(), "engine started")
	require.Contains(t, buf.String(), "pol.lksg.v1")
}
