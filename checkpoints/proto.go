package checkpoints

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf wire layout of a checkpoint record. Every field is written even
// when it holds the zero value, so decoding can tell a missing field from a
// zero one.
//
//	message Checkpoint {
//	  Metadata      metadata       = 1;
//	  TrainingState training_state = 2;
//	  Validation    validation     = 3;
//	  Model         model          = 4;
//	}
//	message Metadata {
//	  int64 schema_version = 1; string framework = 2; int64 created_at_unix_nano = 3;
//	  string run_id = 4; string lineage = 5; string description = 6;
//	  repeated string tags = 7; bytes digest = 8;
//	}
//	message TrainingState { int64 epoch = 1; double best_psnr = 2; double best_msssim = 3; int64 stall_count = 4; }
//	message Validation    { double psnr = 1; double msssim = 2; }
//	message Model         { bytes generator = 1; bytes discriminator = 2; bytes generator_optimizer = 3; bytes discriminator_optimizer = 4; }
const (
	fieldMetadata      protowire.Number = 1
	fieldTrainingState protowire.Number = 2
	fieldValidation    protowire.Number = 3
	fieldModel         protowire.Number = 4
)

func marshalProto(c *Checkpoint) []byte {
	var meta []byte
	meta = appendVarint(meta, 1, uint64(int64(c.Metadata.SchemaVersion)))
	meta = appendString(meta, 2, c.Metadata.Framework)
	meta = appendVarint(meta, 3, uint64(c.Metadata.CreatedAt.UnixNano()))
	meta = appendString(meta, 4, c.Metadata.RunID)
	meta = appendString(meta, 5, c.Metadata.Lineage)
	meta = appendString(meta, 6, c.Metadata.Description)
	for _, tag := range c.Metadata.Tags {
		meta = appendString(meta, 7, tag)
	}
	meta = appendBytes(meta, 8, c.Metadata.Digest)

	var state []byte
	state = appendVarint(state, 1, uint64(int64(c.TrainingState.Epoch)))
	state = appendDouble(state, 2, c.TrainingState.BestPSNR)
	state = appendDouble(state, 3, c.TrainingState.BestMSSSIM)
	state = appendVarint(state, 4, uint64(int64(c.TrainingState.StallCount)))

	var validation []byte
	validation = appendDouble(validation, 1, c.Validation.PSNR)
	validation = appendDouble(validation, 2, c.Validation.MSSSIM)

	var model []byte
	model = appendBytes(model, 1, c.Model.Generator)
	model = appendBytes(model, 2, c.Model.Discriminator)
	model = appendBytes(model, 3, c.Model.GeneratorOptimizer)
	model = appendBytes(model, 4, c.Model.DiscriminatorOptimizer)

	var out []byte
	out = appendBytes(out, fieldMetadata, meta)
	out = appendBytes(out, fieldTrainingState, state)
	out = appendBytes(out, fieldValidation, validation)
	out = appendBytes(out, fieldModel, model)
	return out
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	seen, err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < fieldMetadata || num > fieldModel {
			return -1, nil
		}
		if typ != protowire.BytesType {
			return 0, fmt.Errorf("field %d: wire type %d, expected bytes", num, typ)
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		var err error
		switch num {
		case fieldMetadata:
			err = unmarshalMetadata(msg, &c.Metadata)
		case fieldTrainingState:
			err = unmarshalTrainingState(msg, &c.TrainingState)
		case fieldValidation:
			err = unmarshalValidation(msg, &c.Validation)
		case fieldModel:
			err = unmarshalModel(msg, &c.Model)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	if err := requireFields("checkpoint", seen, 1, 2, 3, 4); err != nil {
		return nil, err
	}
	return &c, nil
}

func unmarshalMetadata(data []byte, m *CheckpointMetadata) error {
	seen, err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			m.SchemaVersion = int(int64(v))
			return n, err
		case 2, 4, 5, 6, 7:
			s, n, err := consumeString(num, typ, b)
			switch num {
			case 2:
				m.Framework = s
			case 4:
				m.RunID = s
			case 5:
				m.Lineage = s
			case 6:
				m.Description = s
			case 7:
				m.Tags = append(m.Tags, s)
			}
			return n, err
		case 3:
			v, n, err := consumeVarint(num, typ, b)
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, err
		case 8:
			v, n, err := consumeBytes(num, typ, b)
			m.Digest = v
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	return requireFields("metadata", seen, 1, 8)
}

func unmarshalTrainingState(data []byte, s *TrainingState) error {
	seen, err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			s.Epoch = int(int64(v))
			return n, err
		case 2:
			v, n, err := consumeDouble(num, typ, b)
			s.BestPSNR = v
			return n, err
		case 3:
			v, n, err := consumeDouble(num, typ, b)
			s.BestMSSSIM = v
			return n, err
		case 4:
			v, n, err := consumeVarint(num, typ, b)
			s.StallCount = int(int64(v))
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("training_state: %w", err)
	}
	return requireFields("training_state", seen, 1, 2, 3, 4)
}

func unmarshalValidation(data []byte, v *ValidationScores) error {
	seen, err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			f, n, err := consumeDouble(num, typ, b)
			v.PSNR = f
			return n, err
		case 2:
			f, n, err := consumeDouble(num, typ, b)
			v.MSSSIM = f
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return requireFields("validation", seen, 1, 2)
}

func unmarshalModel(data []byte, m *ModelState) error {
	seen, err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 {
			return -1, nil
		}
		v, n, err := consumeBytes(num, typ, b)
		switch num {
		case 1:
			m.Generator = v
		case 2:
			m.Discriminator = v
		case 3:
			m.GeneratorOptimizer = v
		case 4:
			m.DiscriminatorOptimizer = v
		}
		return n, err
	})
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}
	return requireFields("model", seen, 1, 2, 3, 4)
}

// walkFields calls fn for every field in data. fn returns the number of
// value bytes it consumed, or -1 to have an unknown field skipped.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) (map[protowire.Number]bool, error) {
	seen := make(map[protowire.Number]bool)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return nil, err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
		} else {
			seen[num] = true
		}
		data = data[m:]
	}
	return seen, nil
}

func requireFields(message string, seen map[protowire.Number]bool, fields ...protowire.Number) error {
	for _, f := range fields {
		if !seen[f] {
			return fmt.Errorf("%s: missing field %d", message, f)
		}
	}
	return nil
}

var errWireType = errors.New("unexpected wire type")

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("field %d: %w", num, errWireType)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(num protowire.Number, typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("field %d: %w", num, errWireType)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: %w", num, errWireType)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return append([]byte(nil), v...), n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(num, typ, b)
	return string(v), n, err
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
