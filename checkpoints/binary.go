package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// binaryMagic prefixes the length-delimited protobuf encoding of a checkpoint
var binaryMagic = []byte("BRAINAGE\x01")

var errTruncated = errors.New("truncated binary checkpoint")

// Field numbers of the binary layout. Messages nest the same way the Go
// structs do; ModelSpec and optimizer hyperparameters travel as JSON bytes
// because their parameter maps are free-form.
const (
	fieldModelSpec            protowire.Number = 1
	fieldWeights              protowire.Number = 2
	fieldTrainingState        protowire.Number = 3
	fieldOptimizerState       protowire.Number = 4
	fieldAgeNormalization     protowire.Number = 5
	fieldFeatureNormalization protowire.Number = 6
	fieldMetadata             protowire.Number = 7
)

func marshalBinary(c *Checkpoint) ([]byte, error) {
	spec, err := json.Marshal(c.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}
	b := append([]byte(nil), binaryMagic...)
	b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, spec)
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))
	if c.OptimizerState != nil {
		msg, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	b = protowire.AppendTag(b, fieldAgeNormalization, protowire.BytesType)
	b = protowire.AppendBytes(b, appendDoubles(appendDoubles(nil, 1, []float64{c.AgeNormalization.Mean}), 2, []float64{c.AgeNormalization.Std}))
	if fn := c.FeatureNormalization; fn != nil {
		b = protowire.AppendTag(b, fieldFeatureNormalization, protowire.BytesType)
		b = protowire.AppendBytes(b, appendDoubles(appendDoubles(nil, 1, fn.Mean), 2, fn.Scale))
	}
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, c.Metadata))
	return b, nil
}

// appendTensor encodes {1 name, 2 packed shape, 3 packed float32 data,
// 4 layer, 5 type}.
func appendTensor(b []byte, name string, shape []int, data []float32, layer, typ string) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if layer != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, layer)
	}
	if typ != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, typ)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDoubles(b []byte, num protowire.Number, values []float64) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendVarintField(b, 1, protowire.EncodeZigZag(int64(s.Epoch)))
	b = appendVarintField(b, 2, protowire.EncodeZigZag(int64(s.Step)))
	b = appendFloatField(b, 3, s.LearningRate)
	b = appendFloatField(b, 4, s.TrainLoss)
	b = appendFloatField(b, 5, s.ValLoss)
	b = appendFloatField(b, 6, s.BestLoss)
	b = appendVarintField(b, 7, protowire.EncodeZigZag(int64(s.BestEpoch)))
	b = appendVarintField(b, 8, protowire.EncodeZigZag(int64(s.TotalSteps)))
	return b
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode optimizer parameters: %w", err)
	}
	b = appendStringField(b, 1, s.Type)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, params)
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b, nil
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendStringField(b, 1, m.Version)
	b = appendStringField(b, 2, m.Framework)
	b = appendStringField(b, 3, m.RunID)
	b = appendVarintField(b, 4, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	b = appendStringField(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	for _, subject := range m.TrainingSubjects {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, subject)
	}
	return b
}

// field is one decoded protobuf field
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	bytes  []byte
}

// fields walks a message, calling fn for every field in wire order
func fields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.fixed = uint64(v)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(data, binaryMagic) {
		return nil, fmt.Errorf("not a binary checkpoint")
	}
	c := &Checkpoint{}
	err := fields(data[len(binaryMagic):], func(f field) error {
		switch f.num {
		case fieldModelSpec:
			return json.Unmarshal(f.bytes, &c.ModelSpec)
		case fieldWeights:
			w, err := decodeTensor(f.bytes)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, w)
		case fieldTrainingState:
			return decodeTrainingState(f.bytes, &c.TrainingState)
		case fieldOptimizerState:
			s, err := decodeOptimizerState(f.bytes)
			if err != nil {
				return err
			}
			c.OptimizerState = s
		case fieldAgeNormalization:
			return fields(f.bytes, func(g field) error {
				v, err := decodeDoubles(g.bytes)
				if err != nil || len(v) != 1 {
					return errTruncated
				}
				switch g.num {
				case 1:
					c.AgeNormalization.Mean = v[0]
				case 2:
					c.AgeNormalization.Std = v[0]
				}
				return nil
			})
		case fieldFeatureNormalization:
			fn := &FeatureNormalization{}
			err := fields(f.bytes, func(g field) error {
				v, err := decodeDoubles(g.bytes)
				if err != nil {
					return err
				}
				switch g.num {
				case 1:
					fn.Mean = v
				case 2:
					fn.Scale = v
				}
				return nil
			})
			c.FeatureNormalization = fn
			return err
		case fieldMetadata:
			return decodeMetadata(f.bytes, &c.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode binary checkpoint: %w", err)
	}
	return c, nil
}

func decodeTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			w.Name = string(f.bytes)
		case 2:
			for rest := f.bytes; len(rest) > 0; {
				v, n := protowire.ConsumeVarint(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(v))
				rest = rest[n:]
			}
		case 3:
			if len(f.bytes)%4 != 0 {
				return errTruncated
			}
			w.Data = make([]float32, 0, len(f.bytes)/4)
			for rest := f.bytes; len(rest) > 0; {
				v, n := protowire.ConsumeFixed32(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Data = append(w.Data, math.Float32frombits(v))
				rest = rest[n:]
			}
		case 4:
			w.Layer = string(f.bytes)
		case 5:
			w.Type = string(f.bytes)
		}
		return nil
	})
	return w, err
}

func decodeDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errTruncated
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

func decodeTrainingState(b []byte, s *TrainingState) error {
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			s.Epoch = int(protowire.DecodeZigZag(f.varint))
		case 2:
			s.Step = int(protowire.DecodeZigZag(f.varint))
		case 3:
			s.LearningRate = math.Float32frombits(uint32(f.fixed))
		case 4:
			s.TrainLoss = math.Float32frombits(uint32(f.fixed))
		case 5:
			s.ValLoss = math.Float32frombits(uint32(f.fixed))
		case 6:
			s.BestLoss = math.Float32frombits(uint32(f.fixed))
		case 7:
			s.BestEpoch = int(protowire.DecodeZigZag(f.varint))
		case 8:
			s.TotalSteps = int(protowire.DecodeZigZag(f.varint))
		}
		return nil
	})
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{}
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			s.Type = string(f.bytes)
		case 2:
			return json.Unmarshal(f.bytes, &s.Parameters)
		case 3:
			t, err := decodeTensor(f.bytes)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.Name, Shape: t.Shape, Data: t.Data, StateType: t.Type})
		}
		return nil
	})
	return s, err
}

func decodeMetadata(b []byte, m *CheckpointMetadata) error {
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Version = string(f.bytes)
		case 2:
			m.Framework = string(f.bytes)
		case 3:
			m.RunID = string(f.bytes)
		case 4:
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(f.varint)).UTC()
		case 5:
			m.Description = string(f.bytes)
		case 6:
			m.Tags = append(m.Tags, string(f.bytes))
		case 7:
			m.TrainingSubjects = append(m.TrainingSubjects, string(f.bytes))
		}
		return nil
	})
}
