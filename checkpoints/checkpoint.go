package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// SchemaVersion is the checkpoint record layout written by this package
const SchemaVersion = 1

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "ckpt"
	default:
		return "json"
	}
}

// ParseFormat maps a format name ("json", "proto") to a CheckpointFormat
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "json", "JSON":
		return FormatJSON, nil
	case "proto", "Proto", "pb":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint is a complete training snapshot: both networks, both optimizers,
// the loop's bookkeeping and the validation scores of the epoch it was taken at
type Checkpoint struct {
	Metadata      CheckpointMetadata `json:"metadata"`
	TrainingState TrainingState      `json:"training_state"`
	Validation    ValidationScores   `json:"validation"`
	Model         ModelState         `json:"model"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch      int     `json:"epoch"`
	BestPSNR   float64 `json:"best_psnr"`
	BestMSSSIM float64 `json:"best_msssim"`
	StallCount int     `json:"stall_count"`
}

// ValidationScores holds the scores the checkpointed epoch was validated with
type ValidationScores struct {
	PSNR   float64 `json:"psnr"`
	MSSSIM float64 `json:"msssim"`
}

// MarshalJSON writes NaN and infinite scores, which a diverged model can
// produce, as the strings "NaN", "+Inf" and "-Inf"
func (v ValidationScores) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonScores{PSNR: jsonFloat(v.PSNR), MSSSIM: jsonFloat(v.MSSSIM)})
}

// UnmarshalJSON reads scores written by MarshalJSON
func (v *ValidationScores) UnmarshalJSON(data []byte) error {
	var scores jsonScores
	if err := json.Unmarshal(data, &scores); err != nil {
		return err
	}
	v.PSNR, v.MSSSIM = float64(scores.PSNR), float64(scores.MSSSIM)
	return nil
}

type jsonScores struct {
	PSNR   jsonFloat `json:"psnr"`
	MSSSIM jsonFloat `json:"msssim"`
}

// jsonFloat is a float64 that survives JSON when it is not finite
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return json.Marshal(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("invalid score %q: %w", text, err)
		}
		*f = jsonFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

// ModelState holds the opaque serialized weights of the generator and
// discriminator and the state of their optimizers
type ModelState struct {
	Generator              []byte `json:"generator"`
	Discriminator          []byte `json:"discriminator"`
	GeneratorOptimizer     []byte `json:"generator_optimizer"`
	DiscriminatorOptimizer []byte `json:"discriminator_optimizer"`
}

// Equal reports whether both states carry identical blobs
func (ms *ModelState) Equal(other *ModelState) bool {
	if ms == nil || other == nil {
		return ms == other
	}
	return bytes.Equal(ms.Generator, other.Generator) &&
		bytes.Equal(ms.Discriminator, other.Discriminator) &&
		bytes.Equal(ms.GeneratorOptimizer, other.GeneratorOptimizer) &&
		bytes.Equal(ms.DiscriminatorOptimizer, other.DiscriminatorOptimizer)
}

// Digest returns the blake2b-256 digest of the four blobs. Each blob is
// length-prefixed so that moving bytes between blobs changes the digest.
func (ms *ModelState) Digest() []byte {
	h, _ := blake2b.New256(nil)
	for _, blob := range [][]byte{ms.Generator, ms.Discriminator, ms.GeneratorOptimizer, ms.DiscriminatorOptimizer} {
		var prefix [8]byte
		n := uint64(len(blob))
		for i := 0; i < 8; i++ {
			prefix[i] = byte(n >> (8 * i))
		}
		h.Write(prefix[:])
		h.Write(blob)
	}
	return h.Sum(nil)
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	SchemaVersion int       `json:"schema_version"`
	Framework     string    `json:"framework"`
	CreatedAt     time.Time `json:"created_at"`
	RunID         string    `json:"run_id,omitempty"`
	Lineage       string    `json:"lineage,omitempty"`
	Description   string    `json:"description,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Digest        []byte    `json:"digest"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Encode serializes a checkpoint, filling in metadata defaults and the digest
func (cs *CheckpointSaver) Encode(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-pix2pix"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	checkpoint.Metadata.SchemaVersion = SchemaVersion
	checkpoint.Metadata.Digest = checkpoint.Model.Digest()

	switch cs.format {
	case FormatJSON:
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return data, nil
	case FormatProto:
		return marshalProto(checkpoint), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Decode parses a checkpoint and verifies its schema and digest.
// Every failure is reported as a *CorruptError.
func (cs *CheckpointSaver) Decode(data []byte, path string) (*Checkpoint, error) {
	var (
		checkpoint *Checkpoint
		err        error
	)
	switch cs.format {
	case FormatJSON:
		checkpoint, err = decodeJSON(data)
	case FormatProto:
		checkpoint, err = unmarshalProto(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, &CorruptError{Path: path, Reason: "decode", Err: err}
	}

	if checkpoint.Metadata.SchemaVersion != SchemaVersion {
		return nil, &CorruptError{
			Path:   path,
			Reason: fmt.Sprintf("schema version %d, expected %d", checkpoint.Metadata.SchemaVersion, SchemaVersion),
		}
	}
	if checkpoint.TrainingState.Epoch < 0 || checkpoint.TrainingState.StallCount < 0 {
		return nil, &CorruptError{Path: path, Reason: "negative epoch or stall count"}
	}
	if !bytes.Equal(checkpoint.Metadata.Digest, checkpoint.Model.Digest()) {
		return nil, &CorruptError{Path: path, Reason: "model digest mismatch"}
	}
	return checkpoint, nil
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := cs.Encode(checkpoint)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CorruptError{Path: path, Reason: "read", Err: err}
	}
	return cs.Decode(data, path)
}

// WriteFileAtomic replaces path with data. The bytes are written to a
// temporary file in the same directory, synced and renamed over path, so a
// crash leaves either the old file or the new one, never a torn write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set checkpoint permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// decodeJSON decodes a JSON checkpoint, rejecting records with missing keys
func decodeJSON(data []byte) (*Checkpoint, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	if err := requireKeys(top, "metadata", "training_state", "validation", "model"); err != nil {
		return nil, err
	}

	required := map[string][]string{
		"metadata":       {"schema_version", "digest"},
		"training_state": {"epoch", "best_psnr", "best_msssim", "stall_count"},
		"validation":     {"psnr", "msssim"},
		"model":          {"generator", "discriminator", "generator_optimizer", "discriminator_optimizer"},
	}
	for section, keys := range required {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(top[section], &fields); err != nil {
			return nil, fmt.Errorf("%s: %w", section, err)
		}
		if err := requireKeys(fields, keys...); err != nil {
			return nil, fmt.Errorf("%s: %w", section, err)
		}
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func requireKeys(fields map[string]json.RawMessage, keys ...string) error {
	for _, key := range keys {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("missing key %q", key)
		}
	}
	return nil
}
