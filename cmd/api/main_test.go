package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, key := range []string{
		"STORE_BACKEND", "LLM_PROVIDER", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "ARK_API_KEY",
		"MENTOR_URL", "FAILURE_POLICY", "MAX_MESSAGE_LENGTH", "GATEWAY_TIMEOUT", "MODEL",
	} {
		t.Setenv(key, "")
	}
}

func TestSay_RejectsInvalidConfig(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LLM_PROVIDER", "none")
	t.Setenv("FAILURE_POLICY", "loud")

	_, err := runCommand(t, "say", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "FAILURE_POLICY")
}

func TestMentor_RejectsMissingKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LLM_PROVIDER", "anthropic")

	_, err := runCommand(t, "mentor", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "no API key")
}

func TestSay_RunsTurnWithoutProvider(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LLM_PROVIDER", "none")
	t.Setenv("LOG_LEVEL", "error")

	out, err := runCommand(t, "say", "--conversation", "cli-test", "hello there")
	require.NoError(t, err)
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "Sorry, the AI mentor is unavailable.")
}
