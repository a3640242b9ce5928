package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevelFromString(t *testing.T) {
	defer SetLevel(DEBUG)

	require.NoError(t, SetLevelFromString(" warning "))
	require.Equal(t, WARNING, logLevel)

	require.NoError(t, SetLevelFromString("info"))
	require.Equal(t, INFO, logLevel)

	require.Error(t, SetLevelFromString("loud"))
	require.Equal(t, INFO, logLevel)
}
