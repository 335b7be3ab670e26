package job

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eunmann/logscan/internal/logctx"
	"github.com/eunmann/logscan/internal/metrics"
	"github.com/eunmann/logscan/pkg/aggregate"
	"github.com/eunmann/logscan/pkg/logging"
	"github.com/eunmann/logscan/pkg/record"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

// entry is the in-memory state of one job.
type entry struct {
	// op serializes Pause, Resume, and Delete of this job.
	op sync.Mutex

	status store.Status
	err    string

	// pause is set while a running goroutine has not yet reached the file
	// boundary where it stops.
	pause bool

	cancel context.CancelFunc
	// done is closed when the job goroutine exits; nil if none was started.
	done chan struct{}
}

// Registry owns every job of one store. Control operations on one job are
// serialized; different jobs and their goroutines run independently.
type Registry struct {
	cfg   Config
	store *store.Store
	agg   *aggregate.Aggregator

	newSource func(source.Config, source.Descriptor) (source.Source, error)
	// batchHook runs after the registry's own per-batch yield.
	batchHook aggregate.BatchHook

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards jobs, closed, and every entry field except op. It is never
	// held across store calls.
	mu     sync.Mutex
	jobs   map[string]*entry
	closed bool
}

// New creates a registry over st. Call Rehydrate to load existing jobs.
func New(st *store.Store, cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	agg, err := aggregate.New(cfg.Aggregate, record.NewParser(cfg.Levels))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(logctx.WithLogger(context.Background(), logging.WithPhase("ingest")))
	return &Registry{
		cfg:       cfg,
		store:     st,
		agg:       agg,
		newSource: source.New,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*entry),
	}, nil
}

// Start validates d, creates a RUNNING job, and starts its goroutine.
// Descriptor problems return a configuration error and create nothing; an
// unusable source root is reported by the job entering ERROR.
func (r *Registry) Start(ctx context.Context, d source.Descriptor) (Snapshot, error) {
	if r.isClosed() {
		return Snapshot{}, ErrClosed
	}

	src, err := r.newSource(r.cfg.Source, d)
	if err != nil {
		return Snapshot{}, err
	}

	id := newID(d.Name())
	var params store.JobParams
	if d.Kind() == source.KindBucket {
		params = store.JobParams{
			CustomerFolder: d.CustomerFolder,
			StartDatetime:  d.StartDatetime,
			EndDatetime:    d.EndDatetime,
		}
	}
	job := store.Job{
		ID:         id,
		FolderPath: d.Display(r.cfg.Source.Bucket),
		Status:     store.StatusRunning,
	}
	if err := r.store.CreateJob(ctx, job, params); err != nil {
		return Snapshot{}, fmt.Errorf("create job: %w", err)
	}

	e := &entry{status: store.StatusRunning}
	r.mu.Lock()
	r.jobs[id] = e
	r.mu.Unlock()

	log := logctx.FromContext(r.ctx)
	log.Info().
		Str("job_id", id).
		Str("folder_path", job.FolderPath).
		Msg("job started")
	metrics.JobTransition(string(store.StatusRunning))

	// a registry closed meanwhile leaves the row RUNNING for the next Rehydrate
	if err := r.launch(id, e, src); err != nil {
		return Snapshot{}, err
	}
	return r.Status(ctx, id)
}

// launch starts the job goroutine. e must not have a live goroutine.
func (r *Registry) launch(id string, e *entry, src source.Source) error {
	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ErrClosed
	}
	e.cancel = cancel
	e.done = done
	e.pause = false
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		r.run(logctx.WithJob(ctx, id), id, src)
	}()
	return nil
}

// lockEntry takes the control lock of job id. The caller must unlock e.op.
func (r *Registry) lockEntry(id string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.op.Lock()
	r.mu.Lock()
	current := r.jobs[id]
	r.mu.Unlock()
	if current != e {
		e.op.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Pause stops a RUNNING job at its next file boundary. PAUSED is reported
// and persisted at once; the goroutine finishes the file in flight first.
func (r *Registry) Pause(ctx context.Context, id string) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	defer e.op.Unlock()

	r.mu.Lock()
	if e.status != store.StatusRunning {
		status := e.status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, status)
	}
	e.status = store.StatusPaused
	if e.done != nil && !isClosed(e.done) {
		e.pause = true
	}
	r.mu.Unlock()

	// a goroutine that completed or failed meanwhile keeps its status
	if _, err := r.store.Transition(ctx, id, store.StatusRunning, store.StatusPaused); err != nil {
		r.mu.Lock()
		if e.status == store.StatusPaused {
			e.status = store.StatusRunning
			e.pause = false
		}
		r.mu.Unlock()
		return r.notFound(id, err)
	}

	log := logctx.FromContext(r.ctx)
	log.Info().Str("job_id", id).Msg("pause requested")
	metrics.JobTransition(string(store.StatusPaused))
	return nil
}

// Resume continues a PAUSED job. A pause not yet honored is withdrawn and the
// same goroutine continues. Otherwise files are enumerated again and those in
// the ledger are skipped. Bucket jobs without a stored hour range fail with
// ErrMissingParameters and stay PAUSED.
func (r *Registry) Resume(ctx context.Context, id string) error {
	if r.isClosed() {
		return ErrClosed
	}
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	defer e.op.Unlock()

	r.mu.Lock()
	if e.status != store.StatusPaused {
		status := e.status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, id, status)
	}
	if e.pause {
		e.pause = false
		e.status = store.StatusRunning
		r.mu.Unlock()
		if _, err := r.store.Transition(ctx, id, store.StatusPaused, store.StatusRunning); err != nil {
			return r.notFound(id, err)
		}
		log := logctx.FromContext(r.ctx)
		log.Info().Str("job_id", id).Msg("pause withdrawn")
		metrics.JobTransition(string(store.StatusRunning))
		return nil
	}
	done := e.done
	r.mu.Unlock()

	// the goroutine is persisting PAUSED and exiting
	if done != nil {
		<-done
	}

	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return r.notFound(id, err)
	}
	params, err := r.store.JobParams(ctx, id)
	if err != nil {
		return fmt.Errorf("load job parameters: %w", err)
	}
	d, err := descriptorOf(job, params)
	if err != nil {
		return err
	}
	src, err := r.newSource(r.cfg.Source, d)
	if err != nil {
		return err
	}

	if err := r.store.SetStatus(ctx, id, store.StatusRunning); err != nil {
		return r.notFound(id, err)
	}
	r.mu.Lock()
	e.status = store.StatusRunning
	e.err = ""
	r.mu.Unlock()

	log := logctx.FromContext(r.ctx)
	log.Info().Str("job_id", id).Msg("job resumed")
	metrics.JobTransition(string(store.StatusRunning))

	return r.launch(id, e, src)
}

// Delete stops the job goroutine, waits for it, and removes the job and every
// row it owns.
func (r *Registry) Delete(ctx context.Context, id string) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	defer e.op.Unlock()

	r.mu.Lock()
	cancel, done := e.cancel, e.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	err = r.store.DeleteJob(ctx, id)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()

	log := logctx.FromContext(r.ctx)
	log.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

// Status returns the snapshot of one job.
func (r *Registry) Status(ctx context.Context, id string) (Snapshot, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	var status store.Status
	var msg string
	if ok {
		status, msg = e.status, e.err
	}
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return Snapshot{}, r.notFound(id, err)
	}
	snap := snapshotOf(job)
	snap.Status = status
	snap.Error = msg
	return snap, nil
}

// List returns every job, newest first.
func (r *Registry) List(ctx context.Context) ([]Snapshot, error) {
	jobs, err := r.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		e, ok := r.jobs[j.ID]
		if !ok {
			continue
		}
		snap := snapshotOf(j)
		snap.Status = e.status
		snap.Error = e.err
		out = append(out, snap)
	}
	return out, nil
}

// ProcessedFiles returns the ledger of a job in commit order.
func (r *Registry) ProcessedFiles(ctx context.Context, id string) ([]string, error) {
	if err := r.exists(id); err != nil {
		return nil, err
	}
	return r.store.ProcessedFiles(ctx, id)
}

// DateRange returns the stored hour range of a bucket job, or the span of
// hour folders among the processed files of a local job.
func (r *Registry) DateRange(ctx context.Context, id string) (DateRange, error) {
	if err := r.exists(id); err != nil {
		return DateRange{}, err
	}
	params, err := r.store.JobParams(ctx, id)
	if err != nil {
		return DateRange{}, err
	}
	if params.StartDatetime != "" || params.EndDatetime != "" {
		return DateRange{Start: params.StartDatetime, End: params.EndDatetime}, nil
	}

	files, err := r.store.ProcessedFiles(ctx, id)
	if err != nil {
		return DateRange{}, err
	}
	first, last, _ := source.HourSpan(files)
	return DateRange{Start: first, End: last}, nil
}

// Wait blocks until the job goroutine, if any, has exited.
func (r *Registry) Wait(id string) {
	r.mu.Lock()
	var done chan struct{}
	if e, ok := r.jobs[id]; ok {
		done = e.done
	}
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Rehydrate loads every stored job. Jobs left RUNNING by an earlier process
// are marked PAUSED and, with ResumeInterrupted, resumed.
func (r *Registry) Rehydrate(ctx context.Context) error {
	interrupted, err := r.store.PauseInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("pause interrupted jobs: %w", err)
	}
	jobs, err := r.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	r.mu.Lock()
	for _, j := range jobs {
		if _, ok := r.jobs[j.ID]; !ok {
			r.jobs[j.ID] = &entry{status: j.Status}
		}
	}
	r.mu.Unlock()

	log := logctx.FromContext(r.ctx)
	log.Info().
		Int("jobs", len(jobs)).
		Int("interrupted", len(interrupted)).
		Msg("rehydrated job registry")

	if !r.cfg.ResumeInterrupted {
		return nil
	}
	for _, id := range interrupted {
		if err := r.Resume(ctx, id); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("could not resume interrupted job")
		}
	}
	return nil
}

// Close stops every job goroutine and waits for them. Rows of jobs that were
// running stay RUNNING and are resumed by the next Rehydrate; paused rows
// stay PAUSED.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var dones []chan struct{}
	for _, e := range r.jobs {
		if e.done != nil {
			dones = append(dones, e.done)
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, d := range dones {
		<-d
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) exists(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *Registry) notFound(id string, err error) error {
	if errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
