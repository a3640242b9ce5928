package jsonutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type stepConfig struct {
	Cmd     string            `json:"cmd"`
	Timeout int               `json:"timeout"`
	Env     map[string]string `json:"env"`
}

func TestConvertMap(t *testing.T) {
	got, err := Convert[stepConfig](map[string]any{
		"cmd":     "make test",
		"timeout": 30.0,
		"env":     map[string]any{"CI": "1"},
		"ignored": true,
	})
	require.NoError(t, err)

	want := stepConfig{Cmd: "make test", Timeout: 30, Env: map[string]string{"CI": "1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertNil(t *testing.T) {
	got, err := Convert[stepConfig](nil)
	require.NoError(t, err)
	require.Equal(t, stepConfig{}, got)
}

func TestConvertTypeMismatch(t *testing.T) {
	_, err := Convert[stepConfig](map[string]any{"timeout": "soon"})
	require.Error(t, err)
}

func TestConvertUnsupportedValue(t *testing.T) {
	_, err := Convert[stepConfig](map[string]any{"cmd": make(chan int)})
	require.Error(t, err)
}
