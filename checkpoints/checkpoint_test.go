package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func testCheckpoint() *Checkpoint {
	generator := make([]byte, 4096)
	for i := range generator {
		generator[i] = byte(i % 251)
	}

	return &Checkpoint{
		Metadata: CheckpointMetadata{
			CreatedAt:   time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC),
			RunID:       "0b7c5a52-50a9-4bb2-9a8e-6d1f3c1d2e3f",
			Lineage:     "psnr",
			Description: "Test checkpoint",
			Tags:        []string{"test", "thermal"},
		},
		TrainingState: TrainingState{
			Epoch:      12,
			BestPSNR:   21.734019374847412,
			BestMSSSIM: 0.6180339887498949,
			StallCount: 3,
		},
		Validation: ValidationScores{
			PSNR:   20.1,
			MSSSIM: 0.5999999999999999,
		},
		Model: ModelState{
			Generator:              generator,
			Discriminator:          []byte("discriminator-weights"),
			GeneratorOptimizer:     []byte("adam-g"),
			DiscriminatorOptimizer: []byte{},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "last_model_psnr."+format.Extension())

			original := testCheckpoint()
			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if loaded.TrainingState != original.TrainingState {
				t.Errorf("Training state mismatch: expected %+v, got %+v", original.TrainingState, loaded.TrainingState)
			}
			if loaded.Validation != original.Validation {
				t.Errorf("Validation mismatch: expected %+v, got %+v", original.Validation, loaded.Validation)
			}
			if !loaded.Model.Equal(&original.Model) {
				t.Error("Model state blobs differ after round trip")
			}
			if loaded.Metadata.RunID != original.Metadata.RunID || loaded.Metadata.Lineage != "psnr" {
				t.Errorf("Metadata mismatch: got %+v", loaded.Metadata)
			}
			if !loaded.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("CreatedAt mismatch: expected %v, got %v", original.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
			}
			if len(loaded.Metadata.Tags) != 2 || loaded.Metadata.Tags[1] != "thermal" {
				t.Errorf("Tags mismatch: got %v", loaded.Metadata.Tags)
			}
			if loaded.Metadata.SchemaVersion != SchemaVersion {
				t.Errorf("Expected schema version %d, got %d", SchemaVersion, loaded.Metadata.SchemaVersion)
			}
		})
	}
}

func TestCheckpointNonFiniteScores(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "last_model_psnr."+format.Extension())

			original := testCheckpoint()
			original.Validation = ValidationScores{PSNR: math.NaN(), MSSSIM: math.Inf(-1)}
			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}
			if !math.IsNaN(loaded.Validation.PSNR) {
				t.Errorf("Expected NaN PSNR, got %f", loaded.Validation.PSNR)
			}
			if !math.IsInf(loaded.Validation.MSSSIM, -1) {
				t.Errorf("Expected -Inf MS-SSIM, got %f", loaded.Validation.MSSSIM)
			}
			if loaded.TrainingState != original.TrainingState {
				t.Errorf("Training state mismatch: expected %+v, got %+v", original.TrainingState, loaded.TrainingState)
			}
		})
	}
}

func TestJSONScoreEncoding(t *testing.T) {
	tests := []struct {
		scores   ValidationScores
		expected string
	}{
		{ValidationScores{PSNR: 20.5, MSSSIM: 0.25}, `{"psnr":20.5,"msssim":0.25}`},
		{ValidationScores{PSNR: math.NaN(), MSSSIM: math.Inf(1)}, `{"psnr":"NaN","msssim":"+Inf"}`},
	}
	for _, test := range tests {
		data, err := json.Marshal(test.scores)
		if err != nil {
			t.Fatalf("Marshal(%+v) failed: %v", test.scores, err)
		}
		if string(data) != test.expected {
			t.Errorf("Marshal(%+v) = %s, expected %s", test.scores, data, test.expected)
		}
	}

	var scores ValidationScores
	if err := json.Unmarshal([]byte(`{"psnr":"fast","msssim":0}`), &scores); err == nil {
		t.Error("Expected an error for a non-numeric score")
	}
}

func TestSaveCheckpointLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	saver := NewCheckpointSaver(FormatProto)
	path := filepath.Join(dir, "best_model_msssim.ckpt")

	for i := 0; i < 3; i++ {
		ckpt := testCheckpoint()
		ckpt.TrainingState.Epoch = i
		if err := saver.SaveCheckpoint(ckpt, path); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("Expected only the checkpoint file, found %v", names)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TrainingState.Epoch != 2 {
		t.Errorf("Expected last write to win, got epoch %d", loaded.TrainingState.Epoch)
	}
}

func TestSaveCheckpointIntoMissingDirectoryFails(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	path := filepath.Join(t.TempDir(), "missing", "last_model_psnr.json")

	if err := saver.SaveCheckpoint(testCheckpoint(), path); err == nil {
		t.Fatal("Expected an error writing into a missing directory")
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	_, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))

	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Expected *CorruptError, got %T: %v", err, err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected the error to wrap os.ErrNotExist, got %v", err)
	}
}

func TestLoadCorruptJSONCheckpoint(t *testing.T) {
	valid, err := NewCheckpointSaver(FormatJSON).Encode(testCheckpoint())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not json at all")},
		{"truncated", valid[:len(valid)/2]},
		{"missing section", []byte(`{"metadata":{"schema_version":1,"digest":null},"training_state":{"epoch":1,"best_psnr":0,"best_msssim":0,"stall_count":0},"validation":{"psnr":0,"msssim":0}}`)},
		{"missing key", bytes.Replace(valid, []byte(`"stall_count"`), []byte(`"stalls"`), 1)},
		{"type mismatch", bytes.Replace(valid, []byte(`"epoch": 12`), []byte(`"epoch": "twelve"`), 1)},
		{"schema version", bytes.Replace(valid, []byte(`"schema_version": 1`), []byte(`"schema_version": 99`), 1)},
		{"digest mismatch", bytes.Replace(valid, []byte(`"discriminator": "`), []byte(`"discriminator": "AAAA`), 1)},
	}

	saver := NewCheckpointSaver(FormatJSON)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if bytes.Equal(test.data, valid) {
				t.Fatal("Test case did not modify the record")
			}
			path := filepath.Join(t.TempDir(), "ckpt.json")
			if err := os.WriteFile(path, test.data, 0644); err != nil {
				t.Fatal(err)
			}

			_, err := saver.LoadCheckpoint(path)
			var corrupt *CorruptError
			if !errors.As(err, &corrupt) {
				t.Fatalf("Expected *CorruptError, got %T: %v", err, err)
			}
			if corrupt.Path != path {
				t.Errorf("Expected path %s in error, got %s", path, corrupt.Path)
			}
		})
	}
}

func TestLoadCorruptProtoCheckpoint(t *testing.T) {
	encoded, err := NewCheckpointSaver(FormatProto).Encode(testCheckpoint())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"garbage", []byte{0xff, 0xff, 0xff, 0xff}},
		{"truncated", encoded[:len(encoded)-3]},
		{"unstamped", marshalProto(testCheckpoint())},
		{"flipped blob byte", flipWithin(encoded, []byte("discriminator-weights"))},
		{"wrong wire type", append(protowire.AppendTag(nil, fieldMetadata, protowire.VarintType), 1)},
	}

	saver := NewCheckpointSaver(FormatProto)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := saver.Decode(test.data, "mem")
			var corrupt *CorruptError
			if !errors.As(err, &corrupt) {
				t.Fatalf("Expected *CorruptError, got %T: %v", err, err)
			}
		})
	}
}

func TestProtoMissingSectionIsCorrupt(t *testing.T) {
	ckpt := testCheckpoint()
	ckpt.Metadata.SchemaVersion = SchemaVersion
	ckpt.Metadata.Digest = ckpt.Model.Digest()

	full := marshalProto(ckpt)
	// Keep only the first three top-level fields.
	rest := full
	for i := 0; i < 3; i++ {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			t.Fatal(protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, rest[n:])
		if m < 0 {
			t.Fatal(protowire.ParseError(m))
		}
		rest = rest[n+m:]
	}
	data := full[:len(full)-len(rest)]

	_, err := NewCheckpointSaver(FormatProto).Decode(data, "mem")
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Expected *CorruptError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "missing field 4") {
		t.Errorf("Expected missing field 4 in error, got %v", err)
	}
}

func TestProtoSkipsUnknownFields(t *testing.T) {
	saver := NewCheckpointSaver(FormatProto)
	encoded, err := saver.Encode(testCheckpoint())
	if err != nil {
		t.Fatal(err)
	}
	extended := protowire.AppendTag(append([]byte(nil), encoded...), 99, protowire.BytesType)
	extended = protowire.AppendString(extended, "added by a newer writer")

	loaded, err := saver.Decode(extended, "mem")
	if err != nil {
		t.Fatalf("Unknown fields should be skipped, got %v", err)
	}
	if loaded.TrainingState.Epoch != 12 {
		t.Errorf("Expected epoch 12, got %d", loaded.TrainingState.Epoch)
	}
}

func TestModelStateDigest(t *testing.T) {
	a := ModelState{Generator: []byte("ab"), Discriminator: []byte("c")}
	b := ModelState{Generator: []byte("a"), Discriminator: []byte("bc")}

	if bytes.Equal(a.Digest(), b.Digest()) {
		t.Error("Digest should depend on blob boundaries")
	}
	if len(a.Digest()) != 32 {
		t.Errorf("Expected a 32 byte digest, got %d", len(a.Digest()))
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name     string
		expected CheckpointFormat
		ok       bool
	}{
		{"json", FormatJSON, true},
		{"proto", FormatProto, true},
		{"pb", FormatProto, true},
		{"onnx", FormatJSON, false},
	}

	for _, test := range tests {
		got, err := ParseFormat(test.name)
		if (err == nil) != test.ok {
			t.Errorf("ParseFormat(%q) error = %v", test.name, err)
		}
		if test.ok && got != test.expected {
			t.Errorf("ParseFormat(%q) = %s, expected %s", test.name, got, test.expected)
		}
	}

	if FormatProto.Extension() != "ckpt" || FormatJSON.Extension() != "json" {
		t.Error("Unexpected format extensions")
	}
	if CheckpointFormat(7).String() != "Unknown" {
		t.Error("Expected Unknown for an invalid format")
	}
}

func flipWithin(data, marker []byte) []byte {
	out := append([]byte(nil), data...)
	i := bytes.Index(out, marker)
	out[i] ^= 0x01
	return out
}
