package async

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Sample is one (query, database) pair in CHW layout
type Sample struct {
	Query         []float32
	QueryShape    []int
	Database      []float32
	DatabaseShape []int
}

// DataSource is a fixed-length indexed sequence of samples
type DataSource interface {
	Len() int
	Get(index int) (*Sample, error)
}

// Batch is a stack of samples in NCHW layout
type Batch struct {
	Query         []float32
	QueryShape    []int
	Database      []float32
	DatabaseShape []int
	Indices       []int  // Source indices, in order
	BatchID       uint64 // Position of the batch within its pass

	pool *BufferPool
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Release hands the batch buffers back to the pool they came from
func (b *Batch) Release() {
	if b.pool != nil {
		b.pool.PutFloat32Buffer(b.Query)
		b.pool.PutFloat32Buffer(b.Database)
	}
	b.Query = nil
	b.Database = nil
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	BatchSize     int         // Size of each batch
	PrefetchDepth int         // Number of batches assembled ahead of the consumer (default: 2*Workers)
	Workers       int         // Number of background workers, 0 loads on the caller's goroutine
	DropLast      bool        // Drop a trailing batch smaller than BatchSize
	Pool          *BufferPool // Optional shared buffer pool
}

// AsyncDataLoader assembles batches on a bounded pool of workers and hands
// them to a single consumer in source order
type AsyncDataLoader struct {
	dataSource    DataSource
	batchSize     int
	prefetchDepth int
	workers       int
	dropLast      bool
	pool          *BufferPool

	numBatches int
	next       int // next batch index, synchronous mode only

	// Pipeline
	pending chan chan batchResult // one result slot per dispatched batch, in order
	jobs    chan batchJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchCounter atomic.Uint64
	isRunning    bool
	mutex        sync.Mutex
}

type batchJob struct {
	index  int
	result chan batchResult
}

type batchResult struct {
	batch *Batch
	err   error
}

// NewAsyncDataLoader creates a new asynchronous data loader
func NewAsyncDataLoader(dataSource DataSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if dataSource == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d", config.Workers)
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2 * config.Workers
		if config.PrefetchDepth == 0 {
			config.PrefetchDepth = 1
		}
	}
	if config.Pool == nil {
		config.Pool = NewBufferPool()
	}

	return &AsyncDataLoader{
		dataSource:    dataSource,
		batchSize:     config.BatchSize,
		prefetchDepth: config.PrefetchDepth,
		workers:       config.Workers,
		dropLast:      config.DropLast,
		pool:          config.Pool,
	}, nil
}

// Len returns the number of batches one pass over the source yields
func (adl *AsyncDataLoader) Len() int {
	return batchCount(adl.dataSource.Len(), adl.batchSize, adl.dropLast)
}

func batchCount(samples, batchSize int, dropLast bool) int {
	if dropLast {
		return samples / batchSize
	}
	return (samples + batchSize - 1) / batchSize
}

// Start begins a pass over the data source
func (adl *AsyncDataLoader) Start(ctx context.Context) error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return fmt.Errorf("data loader is already running")
	}

	adl.ctx, adl.cancel = context.WithCancel(ctx)
	adl.numBatches = adl.Len()
	adl.next = 0
	adl.batchCounter.Store(0)
	adl.isRunning = true

	if adl.workers == 0 {
		return nil
	}

	adl.pending = make(chan chan batchResult, adl.prefetchDepth)
	adl.jobs = make(chan batchJob)

	adl.wg.Add(1)
	go adl.dispatch()
	for i := 0; i < adl.workers; i++ {
		adl.wg.Add(1)
		go adl.worker()
	}
	return nil
}

// dispatch reserves an ordered result slot for every batch and hands the
// batch to a worker. It blocks once PrefetchDepth slots are outstanding.
func (adl *AsyncDataLoader) dispatch() {
	defer adl.wg.Done()
	defer close(adl.pending)
	defer close(adl.jobs)

	for i := 0; i < adl.numBatches; i++ {
		result := make(chan batchResult, 1)
		select {
		case adl.pending <- result:
		case <-adl.ctx.Done():
			return
		}
		select {
		case adl.jobs <- batchJob{index: i, result: result}:
		case <-adl.ctx.Done():
			return
		}
	}
}

// worker runs in background to assemble batches
func (adl *AsyncDataLoader) worker() {
	defer adl.wg.Done()

	for job := range adl.jobs {
		batch, err := adl.assemble(job.index)
		job.result <- batchResult{batch: batch, err: err}
	}
}

// GetBatch returns the next batch in order, blocking until it is ready.
// It returns io.EOF once the pass is exhausted.
func (adl *AsyncDataLoader) GetBatch(ctx context.Context) (*Batch, error) {
	adl.mutex.Lock()
	running := adl.isRunning
	adl.mutex.Unlock()
	if !running {
		return nil, fmt.Errorf("data loader is not running")
	}

	if adl.workers == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if adl.next >= adl.numBatches {
			return nil, io.EOF
		}
		batch, err := adl.assemble(adl.next)
		adl.next++
		return batch, err
	}

	var result chan batchResult
	select {
	case r, ok := <-adl.pending:
		if !ok {
			if err := adl.ctx.Err(); err != nil {
				return nil, fmt.Errorf("data loader has been cancelled: %w", err)
			}
			return nil, io.EOF
		}
		result = r
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-result:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-adl.ctx.Done():
		return nil, fmt.Errorf("data loader has been cancelled: %w", adl.ctx.Err())
	}
}

// Stop stops the pipeline and releases batches nobody consumed
func (adl *AsyncDataLoader) Stop() error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if !adl.isRunning {
		return nil
	}

	adl.cancel()
	adl.wg.Wait()

	if adl.pending != nil {
		for result := range adl.pending {
			select {
			case r := <-result:
				if r.batch != nil {
					r.batch.Release()
				}
			default:
			}
		}
	}

	adl.pending = nil
	adl.jobs = nil
	adl.isRunning = false
	return nil
}

// assemble loads the samples of batch index and stacks them
func (adl *AsyncDataLoader) assemble(index int) (*Batch, error) {
	total := adl.dataSource.Len()
	start := index * adl.batchSize
	end := start + adl.batchSize
	if end > total {
		end = total
	}
	if start >= end {
		return nil, fmt.Errorf("batch %d is out of range for %d samples", index, total)
	}

	first, err := adl.dataSource.Get(start)
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", start, err)
	}

	n := end - start
	queryLen := len(first.Query)
	databaseLen := len(first.Database)

	batch := &Batch{
		Query:         adl.pool.GetFloat32Buffer(n * queryLen),
		QueryShape:    append([]int{n}, first.QueryShape...),
		Database:      adl.pool.GetFloat32Buffer(n * databaseLen),
		DatabaseShape: append([]int{n}, first.DatabaseShape...),
		Indices:       make([]int, 0, n),
		BatchID:       uint64(index),
		pool:          adl.pool,
	}

	for i := start; i < end; i++ {
		sample := first
		if i != start {
			sample, err = adl.dataSource.Get(i)
			if err != nil {
				batch.Release()
				return nil, fmt.Errorf("failed to load sample %d: %w", i, err)
			}
		}
		if !sameShape(sample.QueryShape, first.QueryShape) || !sameShape(sample.DatabaseShape, first.DatabaseShape) ||
			len(sample.Query) != queryLen || len(sample.Database) != databaseLen {
			batch.Release()
			return nil, fmt.Errorf("sample %d shape query %v database %v does not match batch shape query %v database %v",
				i, sample.QueryShape, sample.DatabaseShape, first.QueryShape, first.DatabaseShape)
		}

		offset := i - start
		copy(batch.Query[offset*queryLen:], sample.Query)
		copy(batch.Database[offset*databaseLen:], sample.Database)
		batch.Indices = append(batch.Indices, i)
	}

	adl.batchCounter.Add(1)
	return batch, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	stats := AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.batchCounter.Load(),
		QueueCapacity:   adl.prefetchDepth,
		Workers:         adl.workers,
		TotalBatches:    adl.numBatches,
	}
	if adl.pending != nil {
		stats.QueuedBatches = len(adl.pending)
	}
	return stats
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
	TotalBatches    int
}

// ForEach runs one full pass over the loader, calling fn for every batch in
// order. The batch is released after fn returns.
func (adl *AsyncDataLoader) ForEach(ctx context.Context, fn func(*Batch) error) error {
	if err := adl.Start(ctx); err != nil {
		return err
	}
	defer adl.Stop()

	for {
		batch, err := adl.GetBatch(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(batch)
		batch.Release()
		if err != nil {
			return err
		}
	}
}
