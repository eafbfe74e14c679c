package tf

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MetaGraphDef, SaverDef, SignatureDef and TensorInfo field numbers from
// tensorflow/core/protobuf/meta_graph.proto and saver.proto.
const (
	metaGraphSaverDef     protowire.Number = 3
	metaGraphSignatureDef protowire.Number = 5

	saverFilenameTensorName protowire.Number = 1
	saverSaveTensorName     protowire.Number = 2
	saverRestoreOpName      protowire.Number = 3

	signatureInputs     protowire.Number = 1
	signatureOutputs    protowire.Number = 2
	signatureMethodName protowire.Number = 3

	tensorInfoName protowire.Number = 1

	mapEntryKey   protowire.Number = 1
	mapEntryValue protowire.Number = 2
)

// SaverDef names the graph nodes that write checkpoints.
type SaverDef struct {
	FilenameTensorName string
	SaveTensorName     string
	RestoreOpName      string
}

// Signature maps logical input and output keys to graph tensor names.
type Signature struct {
	MethodName string
	Inputs     map[string]string
	Outputs    map[string]string
}

// MetaGraph holds the parts of a MetaGraphDef this package uses.
type MetaGraph struct {
	Saver      *SaverDef
	Signatures map[string]Signature
}

// ParseMetaGraph decodes saver_def and signature_def from a serialized
// MetaGraphDef. Other fields are skipped.
func ParseMetaGraph(b []byte) (MetaGraph, error) {
	var mg MetaGraph
	err := walkFields(b, func(num protowire.Number, value []byte) error {
		switch num {
		case metaGraphSaverDef:
			saver, err := parseSaverDef(value)
			if err != nil {
				return errors.Wrap(err, "saver_def")
			}
			mg.Saver = saver
		case metaGraphSignatureDef:
			key, raw, err := parseMapEntry(value)
			if err != nil {
				return errors.Wrap(err, "signature_def")
			}
			sig, err := parseSignature(raw)
			if err != nil {
				return errors.Wrapf(err, "signature_def %q", key)
			}
			if mg.Signatures == nil {
				mg.Signatures = make(map[string]Signature)
			}
			mg.Signatures[key] = sig
		}
		return nil
	})
	if err != nil {
		return MetaGraph{}, errors.Wrap(err, "MetaGraphDef")
	}
	return mg, nil
}

func parseSaverDef(b []byte) (*SaverDef, error) {
	saver := &SaverDef{}
	err := walkFields(b, func(num protowire.Number, value []byte) error {
		switch num {
		case saverFilenameTensorName:
			saver.FilenameTensorName = string(value)
		case saverSaveTensorName:
			saver.SaveTensorName = string(value)
		case saverRestoreOpName:
			saver.RestoreOpName = string(value)
		}
		return nil
	})
	return saver, err
}

func parseSignature(b []byte) (Signature, error) {
	sig := Signature{Inputs: map[string]string{}, Outputs: map[string]string{}}
	err := walkFields(b, func(num protowire.Number, value []byte) error {
		switch num {
		case signatureInputs, signatureOutputs:
			key, raw, err := parseMapEntry(value)
			if err != nil {
				return err
			}
			name, err := parseTensorInfoName(raw)
			if err != nil {
				return errors.Wrapf(err, "tensor info %q", key)
			}
			if num == signatureInputs {
				sig.Inputs[key] = name
			} else {
				sig.Outputs[key] = name
			}
		case signatureMethodName:
			sig.MethodName = string(value)
		}
		return nil
	})
	return sig, err
}

func parseTensorInfoName(b []byte) (string, error) {
	var name string
	err := walkFields(b, func(num protowire.Number, value []byte) error {
		if num == tensorInfoName {
			name = string(value)
		}
		return nil
	})
	return name, err
}

func parseMapEntry(b []byte) (string, []byte, error) {
	var key string
	var value []byte
	err := walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case mapEntryKey:
			key = string(v)
		case mapEntryValue:
			value = v
		}
		return nil
	})
	return key, value, err
}

// walkFields calls fn for every length-delimited field in b and skips the
// rest.
func walkFields(b []byte, fn func(protowire.Number, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		value, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, value); err != nil {
			return err
		}
	}
	return nil
}
