package main

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/tgcollector/internal/collector"
	"github.com/and161185/tgcollector/internal/model"
)

func init() { color.NoColor = true }

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionSkipsConfig(t *testing.T) {
	t.Setenv("TGC_ARTIFACT_BACKEND", "bogus")
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestInvalidConfigFailsCommands(t *testing.T) {
	t.Setenv("TGC_KV_BACKEND", "bogus")
	_, err := executeCLI(t, "migrate")
	require.ErrorContains(t, err, "kv.backend")
}

func TestSubscriptionsAddRequiresFlags(t *testing.T) {
	_, err := executeCLI(t, "subscriptions", "add", "--user", "u1", "--session", "s1")
	require.ErrorContains(t, err, `required flag(s) "counterparty" not set`)
}

func TestRenderSummary(t *testing.T) {
	var b bytes.Buffer
	renderSummary(&b, collector.Summary{Queues: 2, Inserted: 10, Trimmed: 12, Failed: map[string]error{}})
	assert.Equal(t, "queues 2  inserted 10  trimmed 12\nok\n", b.String())

	b.Reset()
	renderSummary(&b, collector.Summary{Queues: 2, Failed: map[string]error{
		"u2:s1": errors.New("timeout"),
		"u1:s1": errors.New("db down"),
	}})
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "failed u1:s1: db down", lines[1])
	assert.Equal(t, "failed u2:s1: timeout", lines[2])
}

func TestPrompt(t *testing.T) {
	var w bytes.Buffer
	r := bufio.NewReader(strings.NewReader(" 12345 \nsecret"))

	code, err := prompt(&w, r, "code")
	require.NoError(t, err)
	assert.Equal(t, "12345", code)

	pw, err := prompt(&w, r, "password")
	require.NoError(t, err)
	assert.Equal(t, "secret", pw)

	_, err = prompt(&w, r, "code")
	require.ErrorContains(t, err, "no code entered")
	assert.Equal(t, "code: password: code: ", w.String())
}

func TestPrintResult(t *testing.T) {
	var b bytes.Buffer
	printResult(&b, model.LoginResult{Status: model.StatusFailed, Message: "invalid code"})
	printResult(&b, model.LoginResult{Status: model.StatusSuccess})
	assert.Equal(t, "failed: invalid code\nsuccess\n", b.String())
}
