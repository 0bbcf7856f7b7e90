package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopWithoutEndpoint(t *testing.T) {
	p, tracer, err := New(Options{ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "dispatch")
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultServiceName(t *testing.T) {
	_, tracer, err := New(Options{})
	require.NoError(t, err)
	require.NotNil(t, tracer)
}
