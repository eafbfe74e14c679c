package minilm

import (
	"container/list"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	tokenizers "github.com/amikos-tech/pure-tokenizers"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/amikos-tech/pure-tf/binding"
	"github.com/amikos-tech/pure-tf/internal/release"
)

const (
	// DefaultSequenceLength matches the Python all-MiniLM-L6-v2 embedding path.
	DefaultSequenceLength = 256
	// OutputEmbeddingDimension is the all-MiniLM-L6-v2 embedding width.
	OutputEmbeddingDimension = 384
	// DefaultSignatureKey is the SignatureDef exported by Keras SavedModels.
	DefaultSignatureKey = "serving_default"
	// DefaultMaxCachedBatches bounds how many batch-size tensor sets stay allocated.
	DefaultMaxCachedBatches = 8

	poolingDenominatorEpsilon = float32(1e-9)
	l2NormEpsilon             = float32(1e-12)
)

// Logical signature keys of a Hugging Face TFBertModel export.
const (
	inputIDsKey      = "input_ids"
	attentionMaskKey = "attention_mask"
	tokenTypeIDsKey  = "token_type_ids"
	outputKey        = "last_hidden_state"
)

// Option customizes embedder initialization.
type Option func(*config) error

type config struct {
	sequenceLength       int
	maxCachedBatches     int
	tokenizerLibraryPath string
	signatureKey         string
	names                tensorNames
}

type tensorNames struct {
	inputIDs      string
	attentionMask string
	tokenTypeIDs  string
	output        string
}

func defaultConfig() config {
	return config{
		sequenceLength:   DefaultSequenceLength,
		maxCachedBatches: DefaultMaxCachedBatches,
		signatureKey:     DefaultSignatureKey,
	}
}

// WithSequenceLength sets truncation and fixed padding length.
func WithSequenceLength(length int) Option {
	return func(cfg *config) error {
		if length <= 0 {
			return errors.Errorf("sequence length must be > 0, got %d", length)
		}
		cfg.sequenceLength = length
		return nil
	}
}

// WithMaxCachedBatches bounds how many batch-size-specific tensor sets are cached.
func WithMaxCachedBatches(limit int) Option {
	return func(cfg *config) error {
		if limit <= 0 {
			return errors.Errorf("max cached batches must be > 0, got %d", limit)
		}
		cfg.maxCachedBatches = limit
		return nil
	}
}

// WithTokenizerLibraryPath sets the explicit pure-tokenizers shared library path.
func WithTokenizerLibraryPath(path string) Option {
	return func(cfg *config) error {
		if path == "" {
			return errors.New("tokenizer library path cannot be empty")
		}
		cfg.tokenizerLibraryPath = path
		return nil
	}
}

// WithSignatureKey selects the SignatureDef used to resolve tensor names.
func WithSignatureKey(key string) Option {
	return func(cfg *config) error {
		if key == "" {
			return errors.New("signature key cannot be empty")
		}
		cfg.signatureKey = key
		return nil
	}
}

// WithTensorNames sets graph tensor names directly (for example
// "serving_default_input_ids:0") instead of reading them from a signature.
// tokenTypeIDs may be empty for graphs without that input.
func WithTensorNames(inputIDs, attentionMask, tokenTypeIDs, output string) Option {
	return func(cfg *config) error {
		if inputIDs == "" || attentionMask == "" || output == "" {
			return errors.New("input_ids, attention_mask and output tensor names cannot be empty")
		}
		cfg.names = tensorNames{
			inputIDs:      inputIDs,
			attentionMask: attentionMask,
			tokenTypeIDs:  tokenTypeIDs,
			output:        output,
		}
		return nil
	}
}

// encoding is one tokenized document.
type encoding struct {
	ids           []uint32
	attentionMask []uint32
	typeIDs       []uint32
}

type encoder interface {
	encode(text string) (encoding, error)
	Close() error
}

type pureTokenizer struct {
	tok *tokenizers.Tokenizer
}

func (p pureTokenizer) encode(text string) (encoding, error) {
	enc, err := p.tok.Encode(
		text,
		tokenizers.WithAddSpecialTokens(),
		tokenizers.WithReturnAttentionMask(),
		tokenizers.WithReturnTypeIDs(),
	)
	if err != nil {
		return encoding{}, err
	}
	if enc == nil {
		return encoding{}, errors.New("empty tokenizer result")
	}
	return encoding{ids: enc.IDs, attentionMask: enc.AttentionMask, typeIDs: enc.TypeIDs}, nil
}

func (p pureTokenizer) Close() error {
	return p.tok.Close()
}

// Embedder provides local all-MiniLM-L6-v2 embeddings from a TensorFlow
// SavedModel driven through a binding.Runtime.
//
// The runtime's engine must be ready (for tf.Engine, the TensorFlow
// environment must be initialized) before NewEmbedder is called.
type Embedder struct {
	rt             *binding.Runtime
	bundle         *binding.BundleProxy
	sequenceLength int
	tokenizer      encoder
	names          tensorNames
	maxBatches     int
	batches        map[int]*batchTensors
	batchLRU       *list.List
	batchLRUIndex  map[int]*list.Element
	runMu          sync.Mutex
}

// batchTensors are the cached input and output tensors for one batch size.
type batchTensors struct {
	rt            *binding.Runtime
	inputIDs      *binding.TensorProxy
	attentionMask *binding.TensorProxy
	tokenTypeIDs  *binding.TensorProxy
	output        *binding.TensorProxy
}

// NewEmbedder loads the SavedModel in modelDir in serve mode and the
// tokenizer.json at tokenizerPath.
func NewEmbedder(rt *binding.Runtime, modelDir string, tokenizerPath string, opts ...Option) (*Embedder, error) {
	if rt == nil {
		return nil, errors.New("runtime cannot be nil")
	}
	if modelDir == "" {
		return nil, errors.New("model directory cannot be empty")
	}
	if tokenizerPath == "" {
		return nil, errors.New("tokenizer path cannot be empty")
	}
	if _, err := os.Stat(modelDir); err != nil {
		return nil, errors.Wrapf(err, "model directory %q is not usable", modelDir)
	}
	if _, err := os.Stat(tokenizerPath); err != nil {
		return nil, errors.Wrapf(err, "tokenizer path %q is not usable", tokenizerPath)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	tokenizerOpts := []tokenizers.TokenizerOption{
		tokenizers.WithTruncation(
			uintptr(cfg.sequenceLength),
			tokenizers.TruncationDirectionRight,
			tokenizers.TruncationStrategyLongestFirst,
		),
		tokenizers.WithPadding(true, tokenizers.PaddingStrategy{
			Tag:       tokenizers.PaddingStrategyFixed,
			FixedSize: uintptr(cfg.sequenceLength),
		}),
	}
	if cfg.tokenizerLibraryPath != "" {
		tokenizerOpts = append(tokenizerOpts, tokenizers.WithLibraryPath(cfg.tokenizerLibraryPath))
	}

	tok, err := tokenizers.FromFile(tokenizerPath, tokenizerOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load tokenizer")
	}
	return newEmbedder(rt, modelDir, pureTokenizer{tok: tok}, cfg)
}

func newEmbedder(rt *binding.Runtime, modelDir string, tok encoder, cfg config) (*Embedder, error) {
	bundle := &binding.BundleProxy{}
	if err := rt.Load(bundle, modelDir, "serve"); err != nil {
		return nil, errors.Wrap(multierr.Combine(err, tok.Close()), "failed to load embedding model")
	}

	names := cfg.names
	if names.inputIDs == "" {
		sigs, err := rt.Signatures(bundle)
		if err == nil {
			names, err = namesFromSignature(sigs, cfg.signatureKey)
		}
		if err != nil {
			return nil, multierr.Combine(err, rt.Unload(bundle), tok.Close())
		}
	}

	rt.Logger().Debug("embedding model ready",
		zap.String("dir", modelDir),
		zap.String("input_ids", names.inputIDs),
		zap.String("attention_mask", names.attentionMask),
		zap.String("token_type_ids", names.tokenTypeIDs),
		zap.String("output", names.output),
	)

	return &Embedder{
		rt:             rt,
		bundle:         bundle,
		sequenceLength: cfg.sequenceLength,
		tokenizer:      tok,
		names:          names,
		maxBatches:     cfg.maxCachedBatches,
		batches:        make(map[int]*batchTensors),
		batchLRU:       list.New(),
		batchLRUIndex:  make(map[int]*list.Element),
	}, nil
}

func namesFromSignature(sigs map[string]binding.Signature, key string) (tensorNames, error) {
	sig, ok := sigs[key]
	if !ok {
		available := make([]string, 0, len(sigs))
		for name := range sigs {
			available = append(available, name)
		}
		sort.Strings(available)
		return tensorNames{}, errors.Errorf("signature %q not found in SavedModel (available: %s)", key, strings.Join(available, ", "))
	}

	names := tensorNames{
		inputIDs:      sig.Inputs[inputIDsKey],
		attentionMask: sig.Inputs[attentionMaskKey],
		tokenTypeIDs:  sig.Inputs[tokenTypeIDsKey],
		output:        sig.Outputs[outputKey],
	}
	if names.output == "" && len(sig.Outputs) == 1 {
		for _, name := range sig.Outputs {
			names.output = name
		}
	}
	if names.inputIDs == "" || names.attentionMask == "" {
		return tensorNames{}, errors.Errorf("signature %q must declare %s and %s inputs", key, inputIDsKey, attentionMaskKey)
	}
	if names.output == "" {
		return tensorNames{}, errors.Errorf("signature %q has no %s output", key, outputKey)
	}
	return names, nil
}

// Close deletes cached tensors, unloads the model and releases the tokenizer.
func (e *Embedder) Close() error {
	if e == nil {
		return nil
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	resources := make([]release.Releaser, 0, len(e.batches)+2)
	for _, batch := range e.batches {
		resources = append(resources, batch)
	}
	e.batches = nil
	e.batchLRU = nil
	e.batchLRUIndex = nil

	if e.bundle != nil && !e.bundle.Unloaded() {
		bundle := e.bundle
		resources = append(resources, release.Func(func() error {
			return e.rt.Unload(bundle)
		}))
	}
	if e.tokenizer != nil {
		resources = append(resources, release.Func(e.tokenizer.Close))
		e.tokenizer = nil
	}
	return release.All(resources...)
}

// EmbedDocuments embeds input documents into deterministic unit vectors.
func (e *Embedder) EmbedDocuments(documents []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("embedder is nil")
	}
	if len(documents) == 0 {
		return [][]float32{}, nil
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.tokenizer == nil || e.batches == nil {
		return nil, errors.New("embedder has been closed")
	}

	batch, err := e.batchForSizeLocked(len(documents))
	if err != nil {
		return nil, err
	}

	totalTokens := len(documents) * e.sequenceLength
	inputIDs, err := int64View(e.rt, batch.inputIDs, totalTokens)
	if err != nil {
		return nil, err
	}
	attentionMask, err := int64View(e.rt, batch.attentionMask, totalTokens)
	if err != nil {
		return nil, err
	}
	tokenTypeIDs, err := int64View(e.rt, batch.tokenTypeIDs, totalTokens)
	if err != nil {
		return nil, err
	}

	if err := e.tokenizeInto(documents, inputIDs, attentionMask, tokenTypeIDs); err != nil {
		return nil, err
	}

	inputs := []*binding.TensorProxy{batch.inputIDs, batch.attentionMask}
	if e.names.tokenTypeIDs != "" {
		inputs = append(inputs, batch.tokenTypeIDs)
	}
	if err := e.rt.Run(e.bundle, inputs, []*binding.TensorProxy{batch.output}); err != nil {
		return nil, errors.Wrap(err, "embedding inference failed")
	}

	shape := batch.output.Shape
	if len(shape) != 3 || shape[0] != int64(len(documents)) || shape[1] != int64(e.sequenceLength) {
		return nil, errors.Errorf("unexpected %s shape %s, want [%d,%d,dim]", e.names.output, shape, len(documents), e.sequenceLength)
	}
	if batch.output.Type != binding.Float32 {
		return nil, errors.Errorf("unexpected %s element type %s, want float32", e.names.output, batch.output.Type)
	}
	count, err := shape.ElementCount()
	if err != nil {
		return nil, err
	}
	view, err := e.rt.View(batch.output, binding.Float32, int(count)*binding.Float32.Size())
	if err != nil {
		return nil, err
	}
	hidden, err := binding.Elements[float32](view)
	if err != nil {
		return nil, err
	}

	return meanPoolAndNormalize(hidden, attentionMask, len(documents), e.sequenceLength, shape[2])
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(query string) ([]float32, error) {
	embeddings, err := e.EmbedDocuments([]string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, errors.Errorf("unexpected embedding row count: got %d, want 1", len(embeddings))
	}
	return embeddings[0], nil
}

func (e *Embedder) batchForSizeLocked(batchSize int) (*batchTensors, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if batch, ok := e.batches[batchSize]; ok {
		e.touchBatchSizeLocked(batchSize)
		return batch, nil
	}
	if e.maxBatches > 0 && len(e.batches) >= e.maxBatches {
		if err := e.evictLeastRecentlyUsedBatchLocked(); err != nil {
			return nil, err
		}
	}

	batch, err := newBatchTensors(e.rt, e.names, batchSize, e.sequenceLength)
	if err != nil {
		return nil, err
	}
	e.batches[batchSize] = batch
	e.touchBatchSizeLocked(batchSize)
	return batch, nil
}

func (e *Embedder) touchBatchSizeLocked(batchSize int) {
	if existing := e.batchLRUIndex[batchSize]; existing != nil {
		e.batchLRU.MoveToBack(existing)
		return
	}
	e.batchLRUIndex[batchSize] = e.batchLRU.PushBack(batchSize)
}

func (e *Embedder) evictLeastRecentlyUsedBatchLocked() error {
	oldest := e.batchLRU.Front()
	if oldest == nil {
		return nil
	}
	batchSize, ok := oldest.Value.(int)
	if !ok {
		return errors.Errorf("invalid cache bookkeeping value: %T", oldest.Value)
	}
	batch := e.batches[batchSize]
	delete(e.batches, batchSize)
	delete(e.batchLRUIndex, batchSize)
	e.batchLRU.Remove(oldest)
	if batch == nil {
		return nil
	}
	if err := batch.Release(); err != nil {
		return errors.Wrapf(err, "failed to evict batch-%d embedding tensors", batchSize)
	}
	return nil
}

func newBatchTensors(rt *binding.Runtime, names tensorNames, batchSize, sequenceLength int) (*batchTensors, error) {
	shape := binding.NewShape(int64(batchSize), int64(sequenceLength))
	tokenTypeName := names.tokenTypeIDs
	if tokenTypeName == "" {
		tokenTypeName = tokenTypeIDsKey
	}

	b := &batchTensors{
		rt:            rt,
		inputIDs:      binding.NewTensorProxy(names.inputIDs, binding.Int64, shape),
		attentionMask: binding.NewTensorProxy(names.attentionMask, binding.Int64, shape),
		tokenTypeIDs:  binding.NewTensorProxy(tokenTypeName, binding.Int64, shape),
		output:        &binding.TensorProxy{Name: names.output},
	}
	for _, p := range []*binding.TensorProxy{b.inputIDs, b.attentionMask, b.tokenTypeIDs} {
		if err := rt.CreateTensor(p); err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "failed to create %s tensor", p.Name), b.Release())
		}
	}
	return b, nil
}

// Release deletes every tensor the batch owns.
func (b *batchTensors) Release() error {
	var err error
	for _, p := range []*binding.TensorProxy{b.inputIDs, b.attentionMask, b.tokenTypeIDs, b.output} {
		if p == nil || p.Handle == 0 {
			continue
		}
		err = multierr.Append(err, b.rt.DeleteTensor(p))
	}
	return err
}

func int64View(rt *binding.Runtime, p *binding.TensorProxy, count int) ([]int64, error) {
	view, err := rt.View(p, binding.Int64, count*binding.Int64.Size())
	if err != nil {
		return nil, err
	}
	return binding.Elements[int64](view)
}

func (e *Embedder) tokenizeInto(documents []string, inputIDs []int64, attentionMask []int64, tokenTypeIDs []int64) error {
	sequenceLength := e.sequenceLength
	totalTokens := len(documents) * sequenceLength

	if len(inputIDs) != totalTokens || len(attentionMask) != totalTokens || len(tokenTypeIDs) != totalTokens {
		return errors.Errorf(
			"token buffer length mismatch: got input_ids=%d attention_mask=%d token_type_ids=%d, want %d",
			len(inputIDs),
			len(attentionMask),
			len(tokenTypeIDs),
			totalTokens,
		)
	}

	clear(inputIDs)
	clear(attentionMask)
	clear(tokenTypeIDs)

	for i, document := range documents {
		enc, err := e.tokenizer.encode(document)
		if err != nil {
			return errors.Wrapf(err, "failed to tokenize document %d", i)
		}

		rowStart := i * sequenceLength
		rowEnd := rowStart + sequenceLength
		fillUint32AsInt64(inputIDs[rowStart:rowEnd], enc.ids)

		if len(enc.attentionMask) > 0 {
			fillUint32AsInt64(attentionMask[rowStart:rowEnd], enc.attentionMask)
		} else {
			deriveAttentionMask(attentionMask[rowStart:rowEnd], inputIDs[rowStart:rowEnd])
		}

		if len(enc.typeIDs) > 0 {
			fillUint32AsInt64(tokenTypeIDs[rowStart:rowEnd], enc.typeIDs)
		}
	}

	return nil
}

func fillUint32AsInt64(dst []int64, src []uint32) {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = int64(src[i])
	}
}

func deriveAttentionMask(dst []int64, tokenIDs []int64) {
	for i := range dst {
		if tokenIDs[i] != 0 {
			dst[i] = 1
		}
	}
}

func meanPoolAndNormalize(lastHiddenState []float32, attentionMask []int64, batchSize int, sequenceLength int, embeddingDim int64) ([][]float32, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if sequenceLength <= 0 {
		return nil, errors.Errorf("sequence length must be > 0, got %d", sequenceLength)
	}
	if embeddingDim <= 0 {
		return nil, errors.Errorf("embedding dim must be > 0, got %d", embeddingDim)
	}

	expectedMaskLen := batchSize * sequenceLength
	if len(attentionMask) != expectedMaskLen {
		return nil, errors.Errorf("attention mask length mismatch: got %d, want %d", len(attentionMask), expectedMaskLen)
	}

	dim := int(embeddingDim)
	expectedHiddenLen := expectedMaskLen * dim
	if len(lastHiddenState) != expectedHiddenLen {
		return nil, errors.Errorf("last_hidden_state length mismatch: got %d, want %d", len(lastHiddenState), expectedHiddenLen)
	}

	embeddings := make([][]float32, batchSize)
	for row := 0; row < batchSize; row++ {
		embedding := make([]float32, dim)
		rowMaskOffset := row * sequenceLength

		denominator := float32(0)
		for tokenIndex := 0; tokenIndex < sequenceLength; tokenIndex++ {
			mask := attentionMask[rowMaskOffset+tokenIndex]
			if mask == 0 {
				continue
			}
			weight := float32(mask)
			denominator += weight

			hiddenOffset := (rowMaskOffset + tokenIndex) * dim
			for d := 0; d < dim; d++ {
				embedding[d] += lastHiddenState[hiddenOffset+d] * weight
			}
		}

		denominator = max(denominator, poolingDenominatorEpsilon)
		for d := range embedding {
			embedding[d] /= denominator
		}

		normSquared := 0.0
		for _, value := range embedding {
			normSquared += float64(value * value)
		}
		norm := max(float32(math.Sqrt(normSquared)), l2NormEpsilon)
		for d := range embedding {
			embedding[d] /= norm
		}

		embeddings[row] = embedding
	}

	return embeddings, nil
}
