package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/go-pix2pix/async"
	"github.com/tsawler/go-pix2pix/vision/preprocessing"
)

const (
	QueriesDir  = "queries"
	DatabaseDir = "database"
)

// Config describes a paired image folder
type Config struct {
	Root              string // Folder holding all datasets
	Name              string
	Split             string // "train", "val" or "test"
	ImageSize         int    // Square output size, 0 keeps the source size
	GrayscaleDatabase bool   // Load target images with a single channel
	SampleSize        int    // Queries drawn per ComputePairs, 0 uses all in order
	Seed              int64
	CacheSize         int // Decoded images kept in memory, 0 disables the cache
	Extensions        []string
}

// DefaultConfig returns the configuration of the training split
func DefaultConfig() Config {
	return Config{
		Root:       "datasets",
		Split:      "train",
		ImageSize:  256,
		CacheSize:  2048,
		Extensions: []string{".jpg", ".jpeg", ".png"},
	}
}

// Dir returns the split directory <Root>/<Name>/<Split>
func (c Config) Dir() string {
	return filepath.Join(c.Root, c.Name, c.Split)
}

// PairedFolderDataset pairs every image under queries/ with the image of
// the same base name under database/
type PairedFolderDataset struct {
	config    Config
	queries   []string
	database  []string
	queryProc *preprocessing.ImageProcessor
	dbProc    *preprocessing.ImageProcessor
	cache     *CacheManager
	logger    *zap.SugaredLogger

	mu     sync.RWMutex
	rng    *rand.Rand
	active []int // indices into queries, the current pair set
}

// NewPairedFolderDataset scans the split directory and matches the pairs
func NewPairedFolderDataset(config Config, logger *zap.SugaredLogger) (*PairedFolderDataset, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultConfig().Extensions
	}
	if config.SampleSize < 0 {
		return nil, fmt.Errorf("sample size must not be negative, got %d", config.SampleSize)
	}

	dir := config.Dir()
	queryFiles, err := listImages(filepath.Join(dir, QueriesDir), config.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	databaseFiles, err := listImages(filepath.Join(dir, DatabaseDir), config.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to list database images: %w", err)
	}

	byName := make(map[string]string, len(databaseFiles))
	for _, path := range databaseFiles {
		byName[stem(path)] = path
	}

	d := &PairedFolderDataset{
		config:    config,
		queryProc: preprocessing.NewImageProcessor(config.ImageSize, false),
		dbProc:    preprocessing.NewImageProcessor(config.ImageSize, config.GrayscaleDatabase),
		cache:     NewCacheManager(config.CacheSize),
		logger:    logger,
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
	var unmatched []string
	for _, query := range queryFiles {
		target, ok := byName[stem(query)]
		if !ok {
			unmatched = append(unmatched, filepath.Base(query))
			continue
		}
		d.queries = append(d.queries, query)
		d.database = append(d.database, target)
	}

	if len(unmatched) > 0 {
		return nil, fmt.Errorf("%d queries in %s have no database image (first: %s)", len(unmatched), dir, unmatched[0])
	}
	if len(d.queries) == 0 {
		return nil, fmt.Errorf("no image pairs found in %s", dir)
	}

	d.active = d.allIndices()
	logger.Infow("Loaded paired dataset", "dir", dir, "pairs", len(d.queries))
	return d, nil
}

// NumPairs returns the number of matched pairs on disk
func (d *PairedFolderDataset) NumPairs() int {
	return len(d.queries)
}

// Len returns the size of the current pair set
func (d *PairedFolderDataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.active)
}

// ComputePairs draws a new pair set. With a sample size the queries are
// drawn without replacement from the seeded generator; otherwise all pairs
// are used in file order.
func (d *PairedFolderDataset) ComputePairs(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.queries)
	if d.config.SampleSize == 0 || d.config.SampleSize >= n {
		d.active = d.allIndices()
		return nil
	}
	d.active = d.rng.Perm(n)[:d.config.SampleSize]
	return nil
}

// Get loads the pair at position index of the current pair set
func (d *PairedFolderDataset) Get(index int) (*async.Sample, error) {
	pair, err := d.pairIndex(index)
	if err != nil {
		return nil, err
	}

	query, err := d.load(d.queryProc, d.queries[pair], "rgb")
	if err != nil {
		return nil, err
	}
	mode := "rgb"
	if d.config.GrayscaleDatabase {
		mode = "gray"
	}
	target, err := d.load(d.dbProc, d.database[pair], mode)
	if err != nil {
		return nil, err
	}

	return &async.Sample{
		Query:         query.Data,
		QueryShape:    query.Shape(),
		Database:      target.Data,
		DatabaseShape: target.Shape(),
	}, nil
}

// Name returns the base file name of the pair at position index
func (d *PairedFolderDataset) Name(index int) (string, error) {
	pair, err := d.pairIndex(index)
	if err != nil {
		return "", err
	}
	return stem(d.queries[pair]), nil
}

// CacheStats reports the decoded image cache
func (d *PairedFolderDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

// String returns a string representation of the dataset
func (d *PairedFolderDataset) String() string {
	return fmt.Sprintf("PairedFolderDataset: %d pairs in %s, %d active", len(d.queries), d.config.Dir(), d.Len())
}

func (d *PairedFolderDataset) pairIndex(index int) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index < 0 || index >= len(d.active) {
		return 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.active))
	}
	return d.active[index], nil
}

func (d *PairedFolderDataset) load(proc *preprocessing.ImageProcessor, path, mode string) (*preprocessing.ProcessedImage, error) {
	key := mode + ":" + path
	if img, ok := d.cache.Get(key); ok {
		return img, nil
	}
	img, err := proc.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	d.cache.Put(key, img)
	return img, nil
}

func (d *PairedFolderDataset) allIndices() []int {
	indices := make([]int, len(d.queries))
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// listImages returns the image files of dir in lexical order
func listImages(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, allowed := range extensions {
			if ext == allowed {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
