package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data, func(w io.Writer) {
		t.Fatal("text renderer must not run in json mode")
	})
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("CONFLICT_NOT_FOUND", "no such conflict", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT_NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "no such conflict", resp.Error.Message)
}

func TestOutputFormatter_TextSuccessAlignsColumns(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success(nil, func(w io.Writer) {
		fmt.Fprintln(w, "Node:\tnode-a")
		fmt.Fprintln(w, "Pending conflicts:\t2")
	})
	require.NoError(t, err)
	assert.Equal(t, "Node:               node-a\nPending conflicts:  2\n", buf.String())
}

func TestOutputFormatter_TextSuccessWithoutRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("done", nil))
	assert.Equal(t, "done\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error("STORAGE_ERROR", "write failed", "disk full")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [STORAGE_ERROR]: write failed")
	assert.Contains(t, buf.String(), "Details: disk full")
}

func TestOutputFormatter_FailUsesSyncErrorCode(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := ir.NewSyncError(ir.ErrCodeConflictAlreadyResolved, "conflict c-1 was resolved by alice", nil)
	err := formatter.Fail(WrapExitError(ExitFailure, "failed to resolve conflict", cause))
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT_ALREADY_RESOLVED", resp.Error.Code)
	assert.Equal(t, "failed to resolve conflict", resp.Error.Message)
}

func TestOutputFormatter_FailWithoutCodeIsInternal(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	_ = formatter.Fail(NewExitError(ExitCommandError, "bad flags"))
	assert.Contains(t, buf.String(), "Error [INTERNAL]: bad flags")
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "json",
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   true,
	}

	formatter.VerboseLog("opening %s", "node.db")
	assert.Empty(t, out.String())
	assert.Equal(t, "opening node.db\n", errOut.String())

	formatter.Verbose = false
	formatter.VerboseLog("hidden")
	assert.Equal(t, "opening node.db\n", errOut.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "inner", errors.New("cause")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
}

func TestRemoteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unreachable", ir.NewPeerUnreachable("localhost:7420", errors.New("refused")), ExitCommandError},
		{"timeout", ir.NewSyncError(ir.ErrCodeSessionTimeout, "slow", nil), ExitCommandError},
		{"no code", errors.New("boom"), ExitCommandError},
		{"refused by node", ir.NewSyncError(ir.ErrCodeConflictNotFound, "c-9", nil), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remoteError("request failed", tt.err).Code)
		})
	}
}
