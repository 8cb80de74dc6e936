package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewResolvesLevel(t *testing.T) {
	_, atom, err := New(EnvironmentDevelopment, "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, atom.Level())

	_, atom, err = New(EnvironmentProduction, "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, atom.Level())

	_, atom, err = New(EnvironmentProduction, "warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, atom.Level())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, _, err := New("moon", "")
	assert.Error(t, err)

	_, _, err = New(EnvironmentLocal, "loud")
	assert.Error(t, err)
}
