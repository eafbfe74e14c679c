package binding

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func loadBundle(t *testing.T, rt *Runtime, mode string) *BundleProxy {
	t.Helper()
	b := &BundleProxy{}
	require.NoError(t, rt.Load(b, "models/test", mode))
	require.NotZero(t, b.Handle)
	return b
}

func newInput(t *testing.T, rt *Runtime, name string) *TensorProxy {
	t.Helper()
	p := NewTensorProxy(name, Float32, Shape{1, 2})
	require.NoError(t, rt.CreateTensor(p))
	return p
}

func TestLoadRejectsBadModeWithoutEngine(t *testing.T) {
	for _, mode := range []string{"", "SERVE", "predict", "train ", "eval"} {
		engine := &fakeEngine{}
		rt := newTestRuntime(t, engine)
		b := &BundleProxy{}

		err := rt.Load(b, "models/test", mode)
		require.ErrorIs(t, err, ErrInvalidArgument, "mode %q", mode)
		assert.Contains(t, err.Error(), "mode must be one of 'serve' or 'train'")
		assert.Zero(t, engine.loadCalls, "engine touched for mode %q", mode)
		assert.Zero(t, b.Handle)
	}
}

func TestLoadSelectsTagsByMode(t *testing.T) {
	for _, mode := range []Mode{ModeServe, ModeTrain} {
		engine := &fakeEngine{}
		rt := newTestRuntime(t, engine)
		b := loadBundle(t, rt, string(mode))

		assert.Equal(t, []string{string(mode)}, engine.lastTags)
		assert.Equal(t, "models/test", engine.lastDir)
		got, err := rt.Mode(b)
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
}

func TestLoadBadPathScenario(t *testing.T) {
	engine := &fakeEngine{loadErr: errors.New("Could not find SavedModel .pb or .pbtxt at supplied export directory path: bad/path")}
	rt := newTestRuntime(t, engine)
	b := &BundleProxy{}

	err := rt.Load(b, "bad/path", "serve")
	require.ErrorIs(t, err, ErrModelLoad)
	assert.Contains(t, err.Error(), "bad/path")
	assert.Zero(t, b.Handle, "no partial handle published")
	assert.False(t, b.Unloaded())
	assert.Equal(t, 1, engine.loadCalls)
	assert.Equal(t, 0, rt.LiveBundles())

	assert.ErrorIs(t, rt.Run(b, nil, nil), ErrInvalidHandle, "bundle stays unloaded")
}

func TestLoadTwiceIsRejected(t *testing.T) {
	engine := &fakeEngine{}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	assert.ErrorIs(t, rt.Load(b, "models/other", "serve"), ErrInvalidArgument)
	assert.Equal(t, 1, engine.loadCalls)
}

func TestRunPublishesOutputsInOrder(t *testing.T) {
	engine := &fakeEngine{session: &fakeSession{}}
	engine.session.runFn = func(_ int, feeds []Feed, fetches []string, targets []string) ([]NativeTensor, error) {
		out := make([]NativeTensor, len(fetches))
		for i := range fetches {
			ft := newFakeTensor(Int64, Shape{1, int64(i + 1)})
			ft.data[0] = byte(i + 10)
			out[i] = ft
		}
		return out, nil
	}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	inputs := []*TensorProxy{newInput(t, rt, "a:0"), newInput(t, rt, "b:0")}
	outputs := OutputProxies("y1:0", "y2:0", "y3:0")
	require.NoError(t, rt.Run(b, inputs, outputs))

	calls, _ := engine.session.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"y1:0", "y2:0", "y3:0"}, calls[0].fetches)
	assert.Empty(t, calls[0].targets)
	require.Len(t, calls[0].feeds, 2)
	assert.Equal(t, "a:0", calls[0].feeds[0].Name)
	assert.Equal(t, "b:0", calls[0].feeds[1].Name)

	seen := map[Handle]bool{inputs[0].Handle: true, inputs[1].Handle: true}
	for i, out := range outputs {
		require.NotZero(t, out.Handle)
		assert.False(t, seen[out.Handle], "output %d handle reused", i)
		seen[out.Handle] = true
		assert.Equal(t, Int64, out.Type)
		assert.Equal(t, Shape{1, int64(i + 1)}, out.Shape)

		raw, err := rt.ReadBytes(out, Int64, 8)
		require.NoError(t, err)
		assert.Equal(t, byte(i+10), raw[0])
	}
	assert.Equal(t, 5, rt.LiveTensors())
}

func TestRunFailureLeavesOutputsUntouched(t *testing.T) {
	engine := &fakeEngine{session: &fakeSession{}}
	engine.session.runFn = func(int, []Feed, []string, []string) ([]NativeTensor, error) {
		return nil, errors.New("Invalid argument: You must feed a value for placeholder tensor 'x'")
	}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	outputs := OutputProxies("y:0")
	err := rt.Run(b, nil, outputs)
	require.ErrorIs(t, err, ErrExecution)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, PhaseRun, be.Phase)
	assert.Zero(t, outputs[0].Handle)
}

func TestRunResultCountMismatchFailsLoudly(t *testing.T) {
	extra := newFakeTensor(Float32, Shape{1})
	engine := &fakeEngine{session: &fakeSession{}}
	engine.session.runFn = func(int, []Feed, []string, []string) ([]NativeTensor, error) {
		return []NativeTensor{extra}, nil
	}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	outputs := OutputProxies("y1:0", "y2:0")
	err := rt.Run(b, nil, outputs)
	require.ErrorIs(t, err, ErrExecution)
	assert.Zero(t, outputs[0].Handle)
	assert.Zero(t, outputs[1].Handle)
	assert.Equal(t, 1, extra.releaseCount(), "unclaimed result released")
}

func TestRunRejectsUnresolvableInputs(t *testing.T) {
	engine := &fakeEngine{}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	in := newInput(t, rt, "x:0")
	require.NoError(t, rt.DeleteTensor(in))
	in.Handle = 0

	assert.ErrorIs(t, rt.Run(b, []*TensorProxy{in}, OutputProxies("y:0")), ErrInvalidHandle)
	assert.ErrorIs(t, rt.Run(b, []*TensorProxy{nil}, nil), ErrInvalidArgument)
	assert.ErrorIs(t, rt.Run(b, nil, []*TensorProxy{{}}), ErrInvalidArgument, "output without a name")

	calls, _ := engine.session.snapshot()
	assert.Empty(t, calls)
}

func TestRunReplacesPreviouslyOwnedOutput(t *testing.T) {
	engine := &fakeEngine{session: &fakeSession{}}
	var produced []*fakeTensor
	engine.session.runFn = func(_ int, _ []Feed, fetches []string, _ []string) ([]NativeTensor, error) {
		ft := newFakeTensor(Float32, Shape{1})
		produced = append(produced, ft)
		return []NativeTensor{ft}, nil
	}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	out := OutputProxies("loss:0")
	require.NoError(t, rt.Run(b, nil, out))
	first := out[0].Handle
	require.NoError(t, rt.Run(b, nil, out))

	assert.NotEqual(t, first, out[0].Handle)
	assert.Equal(t, 1, produced[0].releaseCount())
	assert.Equal(t, 0, produced[1].releaseCount())
	assert.Equal(t, 1, rt.LiveTensors())
}

func TestRunReportsReplacedOutputReleaseFailure(t *testing.T) {
	engine := &fakeEngine{session: &fakeSession{}}
	var produced []*fakeTensor
	engine.session.runFn = func(_ int, _ []Feed, fetches []string, _ []string) ([]NativeTensor, error) {
		ft := newFakeTensor(Float32, Shape{1})
		if len(produced) == 0 {
			ft.releaseErr = errors.New("stale device pointer")
		}
		produced = append(produced, ft)
		return []NativeTensor{ft}, nil
	}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	out := OutputProxies("loss:0")
	require.NoError(t, rt.Run(b, nil, out))
	first := out[0].Handle

	err := rt.Run(b, nil, out)
	require.ErrorIs(t, err, ErrExecution)
	var bErr *Error
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, PhaseRun, bErr.Phase)
	assert.Contains(t, err.Error(), "stale device pointer")
	assert.NotEqual(t, first, out[0].Handle, "replacement still published")
	assert.Equal(t, 1, produced[0].releaseCount())
	assert.Equal(t, 1, rt.LiveTensors())
}

func TestTrainStepRunsBothPhases(t *testing.T) {
	engine := &fakeEngine{session: &fakeSession{meta: trainMetadata()}}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "train")

	inputs := []*TensorProxy{newInput(t, rt, "x:0")}
	outputs := OutputProxies("loss:0")
	result, err := rt.TrainStep(b, inputs, outputs, []string{"train"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NoError(t, result.TrainingErr)
	assert.NoError(t, result.OutputErr)
	assert.NotZero(t, outputs[0].Handle)

	calls, _ := engine.session.snapshot()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].fetches)
	assert.Equal(t, []string{"train"}, calls[0].targets)
	assert.Equal(t, []string{"loss:0"}, calls[1].fetches)
	assert.Empty(t, calls[1].targets)
	assert.Len(t, calls[0].feeds, 1)
	assert.Len(t, calls[1].feeds, 1)
}

func TestTrainStepContinuesAfterTrainingFailure(t *testing.T) {
	tests := []struct {
		name       string
		failCalls  map[int]bool
		trainingIs bool
		outputIs   bool
	}{
		{name: "training fails", failCalls: map[int]bool{0: true}, trainingIs: true},
		{name: "output fails", failCalls: map[int]bool{1: true}, outputIs: true},
		{name: "both fail", failCalls: map[int]bool{0: true, 1: true}, trainingIs: true, outputIs: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &fakeSession{meta: trainMetadata()}
			session.runFn = func(call int, _ []Feed, fetches []string, _ []string) ([]NativeTensor, error) {
				if tt.failCalls[call] {
					return nil, errors.New("native failure")
				}
				out := make([]NativeTensor, len(fetches))
				for i := range fetches {
					out[i] = newFakeTensor(Float32, Shape{})
				}
				return out, nil
			}
			rt := newTestRuntime(t, &fakeEngine{session: session})
			b := loadBundle(t, rt, "train")

			outputs := OutputProxies("loss:0")
			result, err := rt.TrainStep(b, nil, outputs, []string{"train"})
			require.Error(t, err)
			require.NotNil(t, result)

			calls, _ := session.snapshot()
			assert.Len(t, calls, 2, "output phase must still execute")

			if tt.trainingIs {
				assert.ErrorIs(t, result.TrainingErr, ErrTrainingStep)
				assert.ErrorIs(t, err, ErrTrainingStep)
			} else {
				assert.NoError(t, result.TrainingErr)
			}
			if tt.outputIs {
				assert.ErrorIs(t, result.OutputErr, ErrOutputStep)
				assert.ErrorIs(t, err, ErrOutputStep)
				assert.Zero(t, outputs[0].Handle)
			} else {
				assert.NoError(t, result.OutputErr)
				assert.NotZero(t, outputs[0].Handle, "outputs published despite training failure")
			}
		})
	}
}

func TestTrainStepRequiresTrainMode(t *testing.T) {
	engine := &fakeEngine{}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	result, err := rt.TrainStep(b, nil, OutputProxies("loss:0"), []string{"train"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	calls, _ := engine.session.snapshot()
	assert.Empty(t, calls)
}

func TestExportFeedsCheckpointPrefix(t *testing.T) {
	engine := &fakeEngine{session: &fakeSession{meta: trainMetadata()}}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "train")

	require.NoError(t, rt.Export(b, "/tmp/export"))

	require.Len(t, engine.newStrings, 1)
	assert.Equal(t, []string{"/tmp/export/checkpoint"}, engine.newStrings[0])

	calls, _ := engine.session.snapshot()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].feeds, 1)
	assert.Equal(t, "save/Const:0", calls[0].feeds[0].Name)
	assert.Equal(t, Shape{}, calls[0].feeds[0].Tensor.Shape())
	assert.Equal(t, []string{"save/control_dependency:0"}, calls[0].targets)
	assert.Empty(t, calls[0].fetches)

	filename := engine.tensors[len(engine.tensors)-1]
	assert.Equal(t, 1, filename.releaseCount(), "path tensor released")
}

func TestExportFailures(t *testing.T) {
	t.Run("serve mode", func(t *testing.T) {
		engine := &fakeEngine{session: &fakeSession{meta: trainMetadata()}}
		rt := newTestRuntime(t, engine)
		b := loadBundle(t, rt, "serve")
		assert.ErrorIs(t, rt.Export(b, "/tmp/export"), ErrExport)
		calls, _ := engine.session.snapshot()
		assert.Empty(t, calls)
	})

	t.Run("no saver", func(t *testing.T) {
		engine := &fakeEngine{session: &fakeSession{}}
		rt := newTestRuntime(t, engine)
		b := loadBundle(t, rt, "train")
		assert.ErrorIs(t, rt.Export(b, "/tmp/export"), ErrExport)
	})

	t.Run("engine failure", func(t *testing.T) {
		session := &fakeSession{meta: trainMetadata()}
		session.runFn = func(int, []Feed, []string, []string) ([]NativeTensor, error) {
			return nil, errors.New("permission denied")
		}
		engine := &fakeEngine{session: session}
		rt := newTestRuntime(t, engine)
		b := loadBundle(t, rt, "train")

		err := rt.Export(b, "/readonly")
		assert.ErrorIs(t, err, ErrExport)
		assert.Equal(t, 1, engine.tensors[0].releaseCount())
	})
}

func TestExportReportsPathTensorReleaseFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	engine := &fakeEngine{session: &fakeSession{meta: trainMetadata()}, releaseErr: errors.New("allocator gone")}
	rt := newTestRuntime(t, engine, WithLogger(zap.New(core)))
	b := loadBundle(t, rt, "train")

	err := rt.Export(b, "/tmp/export")
	require.ErrorIs(t, err, ErrExport)
	assert.Contains(t, err.Error(), "allocator gone")

	failures := logs.FilterMessage("binding operation failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "export", failures[0].ContextMap()["kind"])
	assert.Equal(t, "export", failures[0].ContextMap()["phase"])
}

func TestBundleLifecycleLogsAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	engine := &fakeEngine{session: &fakeSession{meta: trainMetadata()}}
	rt := newTestRuntime(t, engine, WithLogger(zap.New(core)))

	b := loadBundle(t, rt, "train")
	require.NoError(t, rt.Export(b, "/tmp/export"))
	require.NoError(t, rt.Unload(b))

	for _, msg := range []string{"saved model loaded", "checkpoint exported", "saved model unloaded"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level, msg)
	}
	assert.Zero(t, logs.FilterLevelExact(zapcore.InfoLevel).Len())
}

func TestCheckpointFiles(t *testing.T) {
	assert.Equal(t, "/out/checkpoint", CheckpointPrefix("/out"))
	assert.Equal(t, []string{"/out/checkpoint.index", "/out/checkpoint.data-00000-of-00001"}, CheckpointFiles("/out"))
}

func TestUnloadClosesBeforeRelease(t *testing.T) {
	engine := &fakeEngine{}
	rt := newTestRuntime(t, engine)
	b := loadBundle(t, rt, "serve")

	require.NoError(t, rt.Unload(b))
	_, events := engine.session.snapshot()
	assert.Equal(t, []string{"close", "release"}, events)
	assert.Zero(t, b.Handle)
	assert.True(t, b.Unloaded())
	assert.Equal(t, 0, rt.LiveBundles())

	assert.ErrorIs(t, rt.Unload(b), ErrInvalidHandle)
	assert.ErrorIs(t, rt.Load(b, "models/test", "serve"), ErrInvalidArgument, "no re-load after unload")
	assert.Equal(t, 1, engine.loadCalls)
}

func TestUnloadReleasesEvenWhenCloseFails(t *testing.T) {
	session := &fakeSession{closeErr: errors.New("close failed")}
	rt := newTestRuntime(t, &fakeEngine{session: session})
	b := loadBundle(t, rt, "serve")

	err := rt.Unload(b)
	assert.ErrorIs(t, err, ErrExecution)
	_, events := session.snapshot()
	assert.Equal(t, []string{"close", "release"}, events)
	assert.True(t, b.Unloaded())
}

func TestSignatures(t *testing.T) {
	rt := newTestRuntime(t, &fakeEngine{session: &fakeSession{meta: trainMetadata()}})
	b := loadBundle(t, rt, "train")

	sigs, err := rt.Signatures(b)
	require.NoError(t, err)
	require.Contains(t, sigs, "serving_default")
	assert.Equal(t, "input:0", sigs["serving_default"].Inputs["x"])
}

func TestUnloadWaitsForInflightRun(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	session := &fakeSession{}
	session.runFn = func(int, []Feed, []string, []string) ([]NativeTensor, error) {
		close(started)
		<-finish
		return nil, nil
	}
	rt := newTestRuntime(t, &fakeEngine{session: session})
	b := loadBundle(t, rt, "serve")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, rt.Run(b, nil, nil))
	}()
	<-started

	unloaded := make(chan error, 1)
	go func() { unloaded <- rt.Unload(b) }()

	select {
	case <-unloaded:
		t.Fatal("unload finished while run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(finish)
	wg.Wait()
	require.NoError(t, <-unloaded)

	_, events := session.snapshot()
	assert.Equal(t, []string{"run", "close", "release"}, events)
}
