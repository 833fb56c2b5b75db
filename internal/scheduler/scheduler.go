// Package scheduler implements the Scheduler (component E in
// SPEC_FULL.md §4.5): owns the catalogue of jobs and connections,
// translates recurrence rules into firing timers, and queues runs
// through the Job Queue with per-job non-overlap.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sqlfanout/reportcore/internal/errs"
	"github.com/sqlfanout/reportcore/internal/executor"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/metrics"
	"github.com/sqlfanout/reportcore/internal/queue"
	"github.com/sqlfanout/reportcore/internal/store"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

const minConnectionTestTimeout = 30 * time.Second

// Scheduler owns the catalogue and every job's firing timer.
type Scheduler struct {
	mu  sync.Mutex
	doc *store.Document

	store  *store.Store
	exec   *executor.Executor
	q      *queue.Queue
	log    *logging.Logger
	parser cron.Parser

	timers map[string]*time.Timer
}

// New returns a Scheduler. Call LoadConfig before StartAll.
func New(st *store.Store, exec *executor.Executor, q *queue.Queue, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		exec:   exec,
		q:      q,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		timers: make(map[string]*time.Timer),
	}
}

// LoadConfig reads the catalogue document from durable storage.
func (s *Scheduler) LoadConfig() error {
	doc, err := s.store.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// SaveConfig writes the catalogue document to durable storage.
func (s *Scheduler) SaveConfig() error {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	return s.store.Save(doc)
}

// StartAll installs firing timers for every enabled job.
func (s *Scheduler) StartAll() {
	s.mu.Lock()
	jobs := make([]*catalog.Job, 0, len(s.doc.Jobs))
	for i := range s.doc.Jobs {
		if s.doc.Jobs[i].Enabled {
			jobs = append(jobs, &s.doc.Jobs[i])
		}
	}
	s.mu.Unlock()

	for _, job := range jobs {
		s.scheduleJob(job.ID, job.Recurrence)
	}
}

// StopAll cancels every installed timer.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// RescheduleAll reinstalls every enabled job's timer from scratch.
func (s *Scheduler) RescheduleAll() {
	s.StopAll()
	s.StartAll()
}

func (s *Scheduler) scheduleJob(jobID string, rec catalog.Recurrence) {
	spec, scheduled, err := cronSpec(rec, s.log)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("scheduler: invalid recurrence, job retained but not scheduled")
		return
	}
	if !scheduled {
		return
	}

	schedule, err := s.parser.Parse(spec)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Str("cron", spec).Msg("scheduler: failed to parse cron spec")
		return
	}

	s.armTimer(jobID, schedule)
}

func (s *Scheduler) armTimer(jobID string, schedule cron.Schedule) {
	delay := time.Until(schedule.Next(time.Now()))
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() { s.fire(jobID, schedule) })

	s.mu.Lock()
	if old, ok := s.timers[jobID]; ok {
		old.Stop()
	}
	s.timers[jobID] = timer
	s.mu.Unlock()
}

// fire runs when a job's timer expires: it attempts to queue the run and,
// on every return path, re-arms the next occurrence.
func (s *Scheduler) fire(jobID string, schedule cron.Schedule) {
	defer s.armTimer(jobID, schedule)

	job, ok := s.GetJob(jobID)
	if !ok {
		return
	}

	connections := s.resolveConnections(job.ConnectionIDs)
	if len(connections) == 0 {
		metrics.SchedulerFirings.WithLabelValues(jobID, "dropped_no_connections").Inc()
		return
	}

	if s.q.IsJobActive(jobID) {
		metrics.SchedulerFirings.WithLabelValues(jobID, "skipped_overlap").Inc()
		s.log.Warn().Str("job_id", jobID).Msg("scheduler: previous run still active, dropping this firing")
		return
	}

	s.q.Enqueue(jobID, func(ctx context.Context) error {
		return s.exec.RunJob(ctx, job, connections)
	}, queue.Options{MaxRetries: 0})
	metrics.SchedulerFirings.WithLabelValues(jobID, "fired").Inc()
}

func (s *Scheduler) resolveConnections(ids []string) []catalog.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Connection, 0, len(ids))
	for _, id := range ids {
		for _, c := range s.doc.Connections {
			if c.ID == id {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// RunJobNow queues an immediate run of jobID through the executor.
func (s *Scheduler) RunJobNow(jobID string) error {
	job, ok := s.GetJob(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", errs.ErrNotFound, jobID)
	}
	connections := s.resolveConnections(job.ConnectionIDs)
	if s.q.IsJobActive(jobID) {
		return fmt.Errorf("%w: job %s already running", errs.ErrConflict, jobID)
	}
	s.q.Enqueue(jobID, func(ctx context.Context) error {
		return s.exec.RunJob(ctx, job, connections)
	}, queue.Options{MaxRetries: 0})
	return nil
}

// RunJobForConnections queues a subset-connection retry run of jobID.
func (s *Scheduler) RunJobForConnections(jobID string, connIDs []string) error {
	job, ok := s.GetJob(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", errs.ErrNotFound, jobID)
	}
	connections := s.resolveConnections(job.ConnectionIDs)
	if s.q.IsJobActive(jobID) {
		return fmt.Errorf("%w: job %s already running", errs.ErrConflict, jobID)
	}
	s.q.Enqueue(jobID, func(ctx context.Context) error {
		return s.exec.RunJobForConnections(ctx, job, connections, connIDs)
	}, queue.Options{MaxRetries: 0})
	return nil
}

// GetJob returns a pointer into the live document for jobID.
func (s *Scheduler) GetJob(jobID string) (*catalog.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Jobs {
		if s.doc.Jobs[i].ID == jobID {
			return &s.doc.Jobs[i], true
		}
	}
	return nil, false
}

// GetJobs returns a snapshot copy of every job in the catalogue.
func (s *Scheduler) GetJobs() []catalog.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Job, len(s.doc.Jobs))
	copy(out, s.doc.Jobs)
	return out
}

// AddJob appends job to the catalogue, assigning an id if absent, saves,
// and (re)schedules it if enabled.
func (s *Scheduler) AddJob(job catalog.Job) (*catalog.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.ConnectionIDs = job.DedupedConnectionIDs()

	s.mu.Lock()
	for _, j := range s.doc.Jobs {
		if j.ID == job.ID {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: job id %s already exists", errs.ErrConflict, job.ID)
		}
	}
	s.doc.Jobs = append(s.doc.Jobs, job)
	s.mu.Unlock()

	if err := s.SaveConfig(); err != nil {
		return nil, err
	}
	if job.Enabled {
		s.scheduleJob(job.ID, job.Recurrence)
	}
	added, _ := s.GetJob(job.ID)
	return added, nil
}

// UpdateJob replaces the stored job matching updated.ID, saves, and
// reschedules it.
func (s *Scheduler) UpdateJob(updated catalog.Job) error {
	updated.ConnectionIDs = updated.DedupedConnectionIDs()

	s.mu.Lock()
	idx := -1
	for i := range s.doc.Jobs {
		if s.doc.Jobs[i].ID == updated.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s", errs.ErrNotFound, updated.ID)
	}
	s.doc.Jobs[idx] = updated
	s.mu.Unlock()

	if err := s.SaveConfig(); err != nil {
		return err
	}

	s.mu.Lock()
	if old, ok := s.timers[updated.ID]; ok {
		old.Stop()
		delete(s.timers, updated.ID)
	}
	s.mu.Unlock()
	if updated.Enabled {
		s.scheduleJob(updated.ID, updated.Recurrence)
	}
	return nil
}

// DeleteJob removes jobID from the catalogue and stops its timer.
func (s *Scheduler) DeleteJob(jobID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.doc.Jobs {
		if s.doc.Jobs[i].ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s", errs.ErrNotFound, jobID)
	}
	s.doc.Jobs = append(s.doc.Jobs[:idx], s.doc.Jobs[idx+1:]...)
	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
		delete(s.timers, jobID)
	}
	s.mu.Unlock()

	return s.SaveConfig()
}

// GetConnection returns a copy of the connection matching id.
func (s *Scheduler) GetConnection(id string) (catalog.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.doc.Connections {
		if c.ID == id {
			return c, true
		}
	}
	return catalog.Connection{}, false
}

// GetConnections returns a snapshot of every connection in the catalogue.
func (s *Scheduler) GetConnections() []catalog.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Connection, len(s.doc.Connections))
	copy(out, s.doc.Connections)
	return out
}

// AddConnection merges conn into an existing record sharing its canonical
// primary-endpoint key (dedup), or appends a new one.
func (s *Scheduler) AddConnection(conn catalog.Connection) (*catalog.Connection, error) {
	key := conn.PrimaryEndpoint().CanonicalKey()

	s.mu.Lock()
	for i := range s.doc.Connections {
		if s.doc.Connections[i].PrimaryEndpoint().CanonicalKey() == key {
			id := s.doc.Connections[i].ID
			conn.ID = id
			s.doc.Connections[i] = conn
			s.mu.Unlock()
			if err := s.SaveConfig(); err != nil {
				return nil, err
			}
			merged, _ := s.GetConnection(id)
			return &merged, nil
		}
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	s.doc.Connections = append(s.doc.Connections, conn)
	s.mu.Unlock()

	if err := s.SaveConfig(); err != nil {
		return nil, err
	}
	added, _ := s.GetConnection(conn.ID)
	return &added, nil
}

// DuplicateConnection copies the connection matching id into a new record
// with a fresh id, deliberately bypassing AddConnection's dedup.
func (s *Scheduler) DuplicateConnection(id string) (*catalog.Connection, error) {
	original, ok := s.GetConnection(id)
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", errs.ErrNotFound, id)
	}
	dup := original
	dup.ID = uuid.NewString()
	dup.Name = original.Name + " (copy)"

	s.mu.Lock()
	s.doc.Connections = append(s.doc.Connections, dup)
	s.mu.Unlock()

	if err := s.SaveConfig(); err != nil {
		return nil, err
	}
	return &dup, nil
}

// UpdateConnection replaces the stored connection matching updated.ID.
func (s *Scheduler) UpdateConnection(updated catalog.Connection) error {
	s.mu.Lock()
	idx := -1
	for i := range s.doc.Connections {
		if s.doc.Connections[i].ID == updated.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: connection %s", errs.ErrNotFound, updated.ID)
	}
	s.doc.Connections[idx] = updated
	s.mu.Unlock()
	return s.SaveConfig()
}

// DeleteConnection removes id from the catalogue, refusing when any job
// still references it.
func (s *Scheduler) DeleteConnection(id string) error {
	s.mu.Lock()
	for _, job := range s.doc.Jobs {
		for _, cid := range job.ConnectionIDs {
			if cid == id {
				s.mu.Unlock()
				return fmt.Errorf("%w: connection %s referenced by job %s", errs.ErrConflict, id, job.ID)
			}
		}
	}
	idx := -1
	for i := range s.doc.Connections {
		if s.doc.Connections[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: connection %s", errs.ErrNotFound, id)
	}
	s.doc.Connections = append(s.doc.Connections[:idx], s.doc.Connections[idx+1:]...)
	s.mu.Unlock()
	return s.SaveConfig()
}

// TestConnection attempts to connect to id's primary (then fallback)
// endpoint, persisting the outcome back onto the connection record.
func (s *Scheduler) TestConnection(ctx context.Context, id string) error {
	conn, ok := s.GetConnection(id)
	if !ok {
		return fmt.Errorf("%w: connection %s", errs.ErrNotFound, id)
	}

	testErr := s.exec.TestConnection(ctx, &conn)
	conn.LastTested = time.Now()
	if testErr != nil {
		conn.TestStatus = catalog.TestFailed
	} else {
		conn.TestStatus = catalog.TestConnected
	}

	if err := s.UpdateConnection(conn); err != nil {
		return err
	}
	return testErr
}

// BulkTestConnections tests every id concurrently, each racing a
// max(connectTimeout, 30s) deadline, and returns the per-id outcome.
func (s *Scheduler) BulkTestConnections(ctx context.Context, ids []string) map[string]error {
	timeout := s.connectionTestTimeout()

	results := make(map[string]error, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := s.TestConnection(tctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) connectionTestTimeout() time.Duration {
	s.mu.Lock()
	ms := s.doc.Settings.Pool.ConnectTimeoutMs
	s.mu.Unlock()
	d := time.Duration(ms) * time.Millisecond
	if d < minConnectionTestTimeout {
		return minConnectionTestTimeout
	}
	return d
}
