package binding

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Mode selects the MetaGraphDef tag set a bundle is loaded with.
type Mode string

const (
	ModeServe Mode = "serve"
	ModeTrain Mode = "train"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeServe, ModeTrain:
		return Mode(s), nil
	default:
		return "", newError(KindInvalidArgument, PhaseLoad, "mode must be one of 'serve' or 'train'")
	}
}

// Tags returns the SavedModel tag set for the mode.
func (m Mode) Tags() []string {
	return []string{string(m)}
}

const (
	// CheckpointName is the file prefix written by Export inside its directory.
	CheckpointName = "checkpoint"
	// CheckpointIndexFile and CheckpointDataFile are the files a single-shard
	// checkpoint export produces.
	CheckpointIndexFile = CheckpointName + ".index"
	CheckpointDataFile  = CheckpointName + ".data-00000-of-00001"
)

// CheckpointPrefix returns the checkpoint prefix Export feeds to the saver.
func CheckpointPrefix(dir string) string {
	return dir + "/" + CheckpointName
}

// CheckpointFiles returns the paths Export writes for dir.
func CheckpointFiles(dir string) []string {
	return []string{
		dir + "/" + CheckpointIndexFile,
		dir + "/" + CheckpointDataFile,
	}
}

// TrainResult reports both phases of a training step independently.
type TrainResult struct {
	// TrainingErr is set when executing the training ops failed.
	TrainingErr error
	// OutputErr is set when collecting the outputs failed.
	OutputErr error
}

// Err combines both phase errors.
func (t *TrainResult) Err() error {
	return multierr.Combine(t.TrainingErr, t.OutputErr)
}

type sessionBundle struct {
	mu      sync.Mutex
	id      uuid.UUID
	dir     string
	mode    Mode
	session Session
	meta    Metadata
}

// shutdown closes the session before releasing it. Both steps always run.
func (b *sessionBundle) shutdown() (closeErr, releaseErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, nil
	}
	closeErr = b.session.Close()
	releaseErr = b.session.Release()
	b.session = nil
	return closeErr, releaseErr
}

func (b *sessionBundle) Release() error {
	return multierr.Combine(b.shutdown())
}

// Load loads the SavedModel in dir and publishes the bundle handle into b.
// An invalid mode is rejected before the engine is touched. On failure b
// is left without a handle.
func (r *Runtime) Load(b *BundleProxy, dir string, mode string) error {
	if b == nil {
		return r.bridge.Raise(KindInvalidArgument, PhaseLoad, nil, "bundle proxy is nil")
	}
	if b.unloaded {
		return r.bridge.Raise(KindInvalidArgument, PhaseLoad, nil, "bundle was unloaded and cannot be loaded again")
	}
	if b.Handle != 0 {
		return r.bridge.Raise(KindInvalidArgument, PhaseLoad, nil, "bundle is already loaded")
	}
	m, err := ParseMode(mode)
	if err != nil {
		return r.report(err)
	}
	session, err := r.engine.LoadSession(dir, m.Tags())
	if err != nil {
		return r.bridge.Raise(KindModelLoad, PhaseLoad, err, "could not load saved model from %s with tags %v", dir, m.Tags())
	}
	if session == nil {
		return r.bridge.Raise(KindModelLoad, PhaseLoad, nil, "engine returned no session for %s", dir)
	}

	bundle := &sessionBundle{
		id:      uuid.New(),
		dir:     dir,
		mode:    m,
		session: session,
		meta:    session.Metadata(),
	}
	b.Handle = r.bundles.Create(bundle)
	r.logger.Debug("saved model loaded",
		zap.Stringer("bundle", bundle.id),
		zap.String("dir", dir),
		zap.String("mode", string(m)),
		zap.Bool("saver", bundle.meta.Saver != nil),
		zap.Int("signatures", len(bundle.meta.Signatures)),
	)
	return nil
}

// Run feeds inputs by name, fetches one tensor per output proxy and writes
// the result handles into outputs in request order. On failure outputs are
// left untouched. A tensor previously owned by an output proxy is deleted
// when its replacement is published; if that deletion fails the outputs are
// still published and the failure is returned.
func (r *Runtime) Run(b *BundleProxy, inputs []*TensorProxy, outputs []*TensorProxy) error {
	bundle, err := r.lockBundle(b, PhaseRun)
	if err != nil {
		return err
	}
	defer bundle.mu.Unlock()

	feeds, err := r.feeds(inputs, PhaseRun)
	if err != nil {
		return err
	}
	fetches, err := r.fetches(outputs, PhaseRun)
	if err != nil {
		return err
	}
	results, err := bundle.session.Run(feeds, fetches, nil)
	if err != nil {
		return r.bridge.Raise(KindExecution, PhaseRun, err, "run of bundle %s failed", bundle.id)
	}
	return r.publish(bundle, outputs, results, PhaseRun)
}

// TrainStep executes trainingOps and then, whether or not that succeeded,
// collects outputs. The returned error combines both phases; the result lets
// the caller inspect them separately. Outputs are published whenever the
// second phase succeeds.
func (r *Runtime) TrainStep(b *BundleProxy, inputs []*TensorProxy, outputs []*TensorProxy, trainingOps []string) (*TrainResult, error) {
	bundle, err := r.lockBundle(b, PhaseTrainingStep)
	if err != nil {
		return nil, err
	}
	defer bundle.mu.Unlock()

	if bundle.mode != ModeTrain {
		return nil, r.bridge.Raise(KindInvalidArgument, PhaseTrainingStep, nil, "bundle %s was loaded in %s mode; training requires train mode", bundle.id, bundle.mode)
	}
	feeds, err := r.feeds(inputs, PhaseTrainingStep)
	if err != nil {
		return nil, err
	}
	fetches, err := r.fetches(outputs, PhaseOutputStep)
	if err != nil {
		return nil, err
	}

	result := &TrainResult{}
	extra, err := bundle.session.Run(feeds, nil, trainingOps)
	r.discard(extra)
	if err != nil {
		result.TrainingErr = r.bridge.Raise(KindExecution, PhaseTrainingStep, err, "training ops %v of bundle %s failed", trainingOps, bundle.id)
	}

	results, err := bundle.session.Run(feeds, fetches, nil)
	if err != nil {
		result.OutputErr = r.bridge.Raise(KindExecution, PhaseOutputStep, err, "collecting outputs of bundle %s failed", bundle.id)
	} else if err := r.publish(bundle, outputs, results, PhaseOutputStep); err != nil {
		result.OutputErr = err
	}
	return result, result.Err()
}

// Export writes a checkpoint of the bundle's variables under dir. Only
// bundles loaded in train mode whose graph carries a saver can export.
func (r *Runtime) Export(b *BundleProxy, dir string) (err error) {
	bundle, err := r.lockBundle(b, PhaseExport)
	if err != nil {
		return err
	}
	defer bundle.mu.Unlock()

	if bundle.mode != ModeTrain {
		return r.bridge.Raise(KindExport, PhaseExport, nil, "bundle %s was loaded in %s mode and has no training metadata", bundle.id, bundle.mode)
	}
	saver := bundle.meta.Saver
	if saver == nil || saver.FilenameTensorName == "" || saver.SaveTensorName == "" {
		return r.bridge.Raise(KindExport, PhaseExport, nil, "bundle %s has no saver", bundle.id)
	}

	prefix := CheckpointPrefix(dir)
	filename, err := r.engine.NewStringTensor(Shape{}, []string{prefix})
	if err != nil {
		return r.bridge.Raise(KindExport, PhaseExport, err, "encoding checkpoint path %s", prefix)
	}
	defer func() {
		if relErr := filename.Release(); relErr != nil {
			err = multierr.Append(err, r.bridge.Raise(KindExport, PhaseExport, relErr, "releasing checkpoint path tensor of bundle %s", bundle.id))
		}
	}()

	extra, err := bundle.session.Run(
		[]Feed{{Name: saver.FilenameTensorName, Tensor: filename}},
		nil,
		[]string{saver.SaveTensorName},
	)
	r.discard(extra)
	if err != nil {
		return r.bridge.Raise(KindExport, PhaseExport, err, "writing checkpoint %s failed", prefix)
	}
	r.logger.Debug("checkpoint exported", zap.Stringer("bundle", bundle.id), zap.String("prefix", prefix))
	return nil
}

// Unload closes the bundle's session, releases it, zeroes b.Handle and marks
// b terminal. Memory is released even when closing fails.
func (r *Runtime) Unload(b *BundleProxy) error {
	if b == nil {
		return r.bridge.Raise(KindInvalidArgument, PhaseUnload, nil, "bundle proxy is nil")
	}
	bundle, err := r.bundles.Take(b.Handle)
	if err != nil {
		return r.report(err)
	}
	b.Handle = 0
	b.unloaded = true

	closeErr, releaseErr := bundle.shutdown()
	var errs error
	if closeErr != nil {
		errs = multierr.Append(errs, r.bridge.Raise(KindExecution, PhaseUnload, closeErr, "closing session of bundle %s failed", bundle.id))
	}
	if releaseErr != nil {
		errs = multierr.Append(errs, r.bridge.Raise(KindExecution, PhaseUnload, releaseErr, "releasing bundle %s failed", bundle.id))
	}
	r.logger.Debug("saved model unloaded", zap.Stringer("bundle", bundle.id), zap.Bool("clean", errs == nil))
	return errs
}

// Signatures returns the signature definitions of a loaded bundle.
func (r *Runtime) Signatures(b *BundleProxy) (map[string]Signature, error) {
	bundle, err := r.lockBundle(b, PhaseRun)
	if err != nil {
		return nil, err
	}
	defer bundle.mu.Unlock()
	out := make(map[string]Signature, len(bundle.meta.Signatures))
	for k, v := range bundle.meta.Signatures {
		out[k] = v
	}
	return out, nil
}

// Mode returns the mode a bundle was loaded with.
func (r *Runtime) Mode(b *BundleProxy) (Mode, error) {
	bundle, err := r.lockBundle(b, PhaseRun)
	if err != nil {
		return "", err
	}
	defer bundle.mu.Unlock()
	return bundle.mode, nil
}

// lockBundle resolves b and returns its bundle locked.
func (r *Runtime) lockBundle(b *BundleProxy, phase Phase) (*sessionBundle, error) {
	if b == nil {
		return nil, r.bridge.Raise(KindInvalidArgument, phase, nil, "bundle proxy is nil")
	}
	bundle, err := r.bundles.Resolve(b.Handle)
	if err != nil {
		return nil, r.report(err)
	}
	bundle.mu.Lock()
	if bundle.session == nil {
		bundle.mu.Unlock()
		return nil, r.bridge.Raise(KindInvalidHandle, phase, nil, "bundle %s was unloaded", bundle.id)
	}
	return bundle, nil
}

func (r *Runtime) feeds(inputs []*TensorProxy, phase Phase) ([]Feed, error) {
	feeds := make([]Feed, len(inputs))
	for i, p := range inputs {
		if p == nil {
			return nil, r.bridge.Raise(KindInvalidArgument, phase, nil, "input %d is nil", i)
		}
		if p.Name == "" {
			return nil, r.bridge.Raise(KindInvalidArgument, phase, nil, "input %d has no name", i)
		}
		res, err := r.tensors.Resolve(p.Handle)
		if err != nil {
			return nil, r.report(err)
		}
		feeds[i] = Feed{Name: p.Name, Tensor: res.native}
	}
	return feeds, nil
}

func (r *Runtime) fetches(outputs []*TensorProxy, phase Phase) ([]string, error) {
	names := make([]string, len(outputs))
	for i, p := range outputs {
		if p == nil {
			return nil, r.bridge.Raise(KindInvalidArgument, phase, nil, "output %d is nil", i)
		}
		if p.Name == "" {
			return nil, r.bridge.Raise(KindInvalidArgument, phase, nil, "output %d has no name", i)
		}
		names[i] = p.Name
	}
	return names, nil
}

// publish wraps engine results as tensors and hands them to outputs. A count
// mismatch or missing result releases everything and publishes nothing.
// Failing to release a replaced tensor does not stop publication; those
// failures are combined into the returned error.
func (r *Runtime) publish(bundle *sessionBundle, outputs []*TensorProxy, results []NativeTensor, phase Phase) error {
	if len(results) != len(outputs) {
		return r.bridge.Raise(KindExecution, phase, r.discard(results), "bundle %s returned %d results for %d requested outputs", bundle.id, len(results), len(outputs))
	}
	for i, t := range results {
		if t == nil {
			return r.bridge.Raise(KindExecution, phase, r.discard(results), "bundle %s returned no tensor for output %q", bundle.id, outputs[i].Name)
		}
		if !t.Type().Valid() {
			return r.bridge.Raise(KindUnsupportedType, phase, r.discard(results), "output %q has unsupported element type %d", outputs[i].Name, int32(t.Type()))
		}
	}

	var errs error
	for i, t := range results {
		p := outputs[i]
		if p.Handle != 0 {
			if err := r.tensors.Release(p.Handle); err != nil {
				errs = multierr.Append(errs, r.bridge.Raise(KindExecution, phase, err, "releasing previous tensor of output %q", p.Name))
			}
		}
		p.Type = t.Type()
		p.Shape = t.Shape().Clone()
		p.Handle = r.tensors.Create(&tensorResource{typ: p.Type, shape: p.Shape.Clone(), native: t})
	}
	return errs
}

// discard releases tensors nobody will own and returns the combined errors.
func (r *Runtime) discard(tensors []NativeTensor) error {
	var errs error
	for _, t := range tensors {
		if t != nil {
			errs = multierr.Append(errs, t.Release())
		}
	}
	return errs
}
