package batch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/spawnstep/internal/batch"
	"github.com/mattjoyce/spawnstep/internal/batch/mocks"
	"github.com/mattjoyce/spawnstep/internal/log"
	"github.com/mattjoyce/spawnstep/internal/protocol"
	"github.com/mattjoyce/spawnstep/internal/spawn"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// echoScript wraps its stdin as {"processed": <stdin>} and fails when the
// payload contains "fail":true. Every invocation appends a line to callLog.
const echoScript = `#!/bin/sh
input=$(cat)
echo "$input" >> "$CALL_LOG"
case "$input" in
  *'"fail":true'*)
    printf 'partial'
    printf 'item rejected' >&2
    exit 2
    ;;
esac
printf '{"processed":%s}' "$input"
`

type fixture struct {
	script  string
	callLog string
	env     []string
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte(echoScript), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	callLog := filepath.Join(dir, "calls.log")
	return fixture{
		script:  script,
		callLog: callLog,
		env:     []string{"PATH=" + os.Getenv("PATH"), "CALL_LOG=" + callLog},
	}
}

func (f fixture) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.callLog)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func items(payloads ...map[string]any) []protocol.Item {
	out := make([]protocol.Item, len(payloads))
	for i, p := range payloads {
		out[i] = protocol.Item{JSON: p}
	}
	return out
}

func TestProcess_AllSucceed(t *testing.T) {
	fx := newFixture(t)
	d := batch.New(spawn.NewRunner(nil), spawn.StepConfig{Command: fx.script}, batch.Options{BaseEnv: fx.env})

	out, err := d.Process(context.Background(), items(
		map[string]any{"n": float64(0)},
		map[string]any{"n": float64(1)},
		map[string]any{"n": float64(2)},
	))
	require.NoError(t, err)
	require.Len(t, out, 3)

	for i, item := range out {
		assert.Nil(t, item.Error)
		assert.Equal(t, map[string]any{"processed": map[string]any{"n": float64(i)}}, item.JSON)
		require.NotNil(t, item.PairedItem)
		assert.Equal(t, i, *item.PairedItem)
	}
	assert.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, fx.calls(t))
}

func TestProcess_ContinueOnFailKeepsOrder(t *testing.T) {
	fx := newFixture(t)
	d := batch.New(spawn.NewRunner(nil), spawn.StepConfig{Command: fx.script}, batch.Options{
		BaseEnv:        fx.env,
		ContinueOnFail: true,
	})

	in := items(
		map[string]any{"n": float64(0)},
		map[string]any{"n": float64(1), "fail": true},
		map[string]any{"n": float64(2)},
	)
	out, err := d.Process(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Nil(t, out[0].Error)
	assert.Nil(t, out[2].Error)
	assert.Equal(t, map[string]any{"processed": map[string]any{"n": float64(2)}}, out[2].JSON)

	failed := out[1]
	assert.Equal(t, in[1].JSON, failed.JSON, "failed item keeps its original payload")
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(spawn.KindNonZeroExit), failed.Error.Kind)
	assert.Equal(t, "partial", failed.Error.Stdout)
	assert.Equal(t, "item rejected", failed.Error.Stderr)
	assert.Equal(t, "[stdout] partial \n[stderr] item rejected", failed.Error.Message)
	require.NotNil(t, failed.Error.ItemIndex)
	assert.Equal(t, 1, *failed.Error.ItemIndex)
	require.NotNil(t, failed.Error.ExitCode)
	assert.Equal(t, 2, *failed.Error.ExitCode)

	assert.Len(t, fx.calls(t), 3)
}

func TestProcess_AbortStopsAtFailingItem(t *testing.T) {
	fx := newFixture(t)
	d := batch.New(spawn.NewRunner(nil), spawn.StepConfig{Command: fx.script}, batch.Options{BaseEnv: fx.env})

	out, err := d.Process(context.Background(), items(
		map[string]any{"n": float64(0)},
		map[string]any{"n": float64(1), "fail": true},
		map[string]any{"n": float64(2)},
		map[string]any{"n": float64(3)},
	))
	require.Error(t, err)

	f, ok := spawn.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, spawn.KindNonZeroExit, f.Kind)
	require.NotNil(t, f.ItemIndex)
	assert.Equal(t, 1, *f.ItemIndex)
	assert.True(t, strings.HasPrefix(err.Error(), "item 1: "))

	assert.Len(t, out, 1, "only items before the failure are returned")
	assert.Len(t, fx.calls(t), 2, "no item after the failure may run")
}

func TestProcess_DoesNotMutateInput(t *testing.T) {
	fx := newFixture(t)
	d := batch.New(spawn.NewRunner(nil), spawn.StepConfig{Command: fx.script}, batch.Options{BaseEnv: fx.env})

	in := items(map[string]any{"n": float64(0)})
	_, err := d.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(0)}, in[0].JSON)
}

func TestProcess_NonObjectResultIsWrapped(t *testing.T) {
	runner := &fakeRunner{results: []any{[]any{float64(1), float64(2)}, "text"}}
	d := batch.New(runner, spawn.StepConfig{Command: "x"}, batch.Options{})

	out, err := d.Process(context.Background(), items(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": []any{float64(1), float64(2)}}, out[0].JSON)
	assert.Equal(t, map[string]any{"data": "text"}, out[1].JSON)
}

func TestProcess_ExistingIndexIsNotOverwritten(t *testing.T) {
	pre := 7
	runner := &fakeRunner{
		results: []any{map[string]any{}},
		errs:    []error{nil, &spawn.Failure{Kind: spawn.KindDecodeFailure, Err: errors.New("bad"), ItemIndex: &pre}},
	}
	d := batch.New(runner, spawn.StepConfig{Command: "x"}, batch.Options{})

	_, err := d.Process(context.Background(), items(nil, nil, nil))
	f, ok := spawn.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, 7, *f.ItemIndex)
	assert.Equal(t, 2, runner.calls)
}

func TestProcess_ForeignErrorGetsIndex(t *testing.T) {
	runner := &fakeRunner{errs: []error{errors.New("runner exploded")}}
	d := batch.New(runner, spawn.StepConfig{Command: "x"}, batch.Options{ContinueOnFail: true})

	out, err := d.Process(context.Background(), items(map[string]any{"a": "b"}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, string(spawn.KindError), out[0].Error.Kind)
	assert.Equal(t, 0, *out[0].Error.ItemIndex)
	assert.Equal(t, "runner exploded", out[0].Error.Message)
}

func TestProcess_ConfigForPerItem(t *testing.T) {
	runner := &fakeRunner{}
	d := batch.New(runner, spawn.StepConfig{Command: "default"}, batch.Options{
		ConfigFor: func(index int, item protocol.Item) spawn.StepConfig {
			return spawn.StepConfig{Command: item.JSON["cmd"].(string), Args: []string{"--index", string(rune('0' + index))}}
		},
	})

	_, err := d.Process(context.Background(), items(
		map[string]any{"cmd": "first"},
		map[string]any{"cmd": "second"},
	))
	require.NoError(t, err)
	require.Len(t, runner.invocations, 2)
	assert.Equal(t, "first", runner.invocations[0].Command)
	assert.Equal(t, []string{"--index", "1"}, runner.invocations[1].Args)
	assert.Equal(t, "second", runner.invocations[1].Command)
}

func TestProcess_FreshInvocationPerItem(t *testing.T) {
	runner := &fakeRunner{}
	d := batch.New(runner, spawn.StepConfig{Command: "x"}, batch.Options{BaseEnv: []string{"A=1"}})

	_, err := d.Process(context.Background(), items(map[string]any{"i": 1.0}, nil))
	require.NoError(t, err)
	require.Len(t, runner.invocations, 2)
	assert.True(t, runner.invocations[0].HasStdin)
	assert.False(t, runner.invocations[1].HasStdin, "stdin from item 0 must not leak into item 1")
}

func TestProcess_CancelledContext(t *testing.T) {
	runner := &fakeRunner{}
	d := batch.New(runner, spawn.StepConfig{Command: "x"}, batch.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := d.Process(ctx, items(nil, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
	assert.Equal(t, 0, runner.calls)
}

func TestProcess_RecorderSeesEveryItemInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	rec := mocks.NewMockRecorder(ctrl)
	ctx := context.Background()

	var got []batch.ItemRecord
	capture := func(_ context.Context, r batch.ItemRecord) error {
		got = append(got, r)
		return nil
	}
	gomock.InOrder(
		rec.EXPECT().ItemDone(ctx, gomock.Any()).DoAndReturn(capture),
		rec.EXPECT().ItemDone(ctx, gomock.Any()).DoAndReturn(func(c context.Context, r batch.ItemRecord) error {
			_ = capture(c, r)
			return errors.New("disk full")
		}),
		rec.EXPECT().ItemDone(ctx, gomock.Any()).DoAndReturn(capture),
	)

	code := 4
	runner := &fakeRunner{
		results: []any{map[string]any{"r": 0.0}, nil, map[string]any{"r": 2.0}},
		errs:    []error{nil, &spawn.Failure{Kind: spawn.KindNonZeroExit, Stderr: []byte("boom"), ExitCode: &code}},
	}
	d := batch.New(runner, spawn.StepConfig{Command: "x"}, batch.Options{ContinueOnFail: true, Recorder: rec})

	out, err := d.Process(ctx, items(map[string]any{"i": 0.0}, map[string]any{"i": 1.0}, map[string]any{"i": 2.0}))
	require.NoError(t, err, "recorder errors never fail the batch")
	require.Len(t, out, 3)

	require.Len(t, got, 3)
	assert.Equal(t, batch.StatusSucceeded, got[0].Status)
	assert.Equal(t, map[string]any{"r": 0.0}, got[0].Output)
	assert.Equal(t, batch.StatusFailed, got[1].Status)
	assert.Equal(t, spawn.KindNonZeroExit, got[1].Kind)
	assert.Equal(t, "boom", got[1].Stderr)
	assert.Equal(t, 4, *got[1].ExitCode)
	assert.Equal(t, map[string]any{"i": 1.0}, got[1].Input)
	assert.Equal(t, 2, got[2].Index)
}

// fakeRunner returns canned results and errors by call position.
type fakeRunner struct {
	results     []any
	errs        []error
	calls       int
	invocations []spawn.Invocation
}

func (f *fakeRunner) Run(_ context.Context, inv spawn.Invocation, _ protocol.StdoutFormat) (any, error) {
	i := f.calls
	f.calls++
	f.invocations = append(f.invocations, inv)

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return map[string]any{}, nil
}
