// Package progress implements the Progress Stream (component B in
// SPEC_FULL.md §4.2): the single source of truth for the live state of
// every running job, checkpointed to disk for crash resume and emitted
// to subscribers as structured events.
package progress

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// retention is how long a terminated job's in-memory record survives for
// late event consumers before the sweep reclaims it.
const retention = 5 * time.Minute

// EventType names a transition broadcast through Emit.
type EventType string

const (
	EventJobStarted         EventType = "job:started"
	EventJobProgress        EventType = "job:progress"
	EventConnectionStarted  EventType = "connection:started"
	EventConnectionProgress EventType = "connection:progress"
	EventConnectionComplete EventType = "connection:completed"
	EventConnectionFailed   EventType = "connection:failed"
	EventJobCompleted       EventType = "completed"
	EventJobFailed          EventType = "failed"
	EventJobCancelled       EventType = "cancelled"
)

// Event is a structured notification broadcast to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	JobID     string          `json:"jobId"`
	ConnID    string          `json:"connId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConnectionProgress tracks one connection's run within a job.
type ConnectionProgress struct {
	ConnID        string             `json:"connId"`
	ConnName      string             `json:"connName"`
	Status        catalog.JobStatus  `json:"status"`
	Step          string             `json:"step,omitempty"`
	RowsProcessed int                `json:"rowsProcessed"`
	TotalRows     int                `json:"totalRows"`
	Error         string             `json:"error,omitempty"`
	StartedAt     time.Time          `json:"startedAt"`
	EndedAt       time.Time          `json:"endedAt,omitempty"`
}

// Percentage derives completion from RowsProcessed/TotalRows.
func (c *ConnectionProgress) Percentage() int {
	if c.TotalRows <= 0 {
		return 0
	}
	pct := 100 * c.RowsProcessed / c.TotalRows
	if pct > 100 {
		pct = 100
	}
	return pct
}

// JobProgress is the live record for one running or recently terminated job.
type JobProgress struct {
	JobID          string                         `json:"jobId"`
	JobName        string                         `json:"jobName"`
	Status         catalog.JobStatus              `json:"status"`
	Step           string                         `json:"step,omitempty"`
	StartedAt      time.Time                      `json:"startedAt"`
	EndedAt        time.Time                      `json:"endedAt,omitempty"`
	Connections    map[string]*ConnectionProgress `json:"connections"`
	CancelRequested bool                          `json:"-"`
	terminatedAt   time.Time
}

// checkpoint is the durable on-disk shape used to resume an interrupted run.
type checkpoint struct {
	JobID       string   `json:"jobId"`
	JobName     string   `json:"jobName"`
	StartedAt   time.Time `json:"startedAt"`
	Completed   []string `json:"completed"`
	Failed      []string `json:"failed"`
}

// Stream is the Progress Stream: one in-memory table of live jobs plus
// the subscribers watching it.
type Stream struct {
	mu   sync.Mutex
	jobs map[string]*JobProgress

	checkpointDir string
	log           *logging.Logger

	subMu sync.Mutex
	subs  map[int]chan Event
	nextSub int

	redis   redis.UniversalClient // optional; nil disables Pub/Sub republish
}

// New returns a Stream checkpointing under dir.
func New(checkpointDir string, log *logging.Logger, rdb redis.UniversalClient) *Stream {
	return &Stream{
		jobs:          make(map[string]*JobProgress),
		checkpointDir: checkpointDir,
		log:           log,
		subs:          make(map[int]chan Event),
		redis:         rdb,
	}
}

// Subscribe registers a new observer and returns its event channel. The
// channel is buffered; a slow subscriber has events dropped rather than
// blocking the emitter.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
		close(ch)
	}
}

// Emit broadcasts ev to every in-process subscriber and, when Redis is
// configured, republishes it on a per-job Pub/Sub channel.
func (s *Stream) Emit(ev Event) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subMu.Unlock()

	if s.redis == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channel := fmt.Sprintf("reportcore:progress:%s", ev.JobID)
	s.redis.Publish(bgCtx, channel, data)
}

// StartJob creates a progress record for jobId, seeding it from an
// on-disk checkpoint when resume is true and one exists.
func (s *Stream) StartJob(jobID, jobName string, totalConnections int, resume bool) *JobProgress {
	jp := &JobProgress{
		JobID:       jobID,
		JobName:     jobName,
		Status:      catalog.StatusRunning,
		StartedAt:   time.Now(),
		Connections: make(map[string]*ConnectionProgress, totalConnections),
	}

	if resume {
		if cp, err := s.loadCheckpoint(jobID); err == nil {
			jp.StartedAt = cp.StartedAt
			for _, id := range cp.Completed {
				jp.Connections[id] = &ConnectionProgress{ConnID: id, Status: catalog.StatusCompleted}
			}
			for _, id := range cp.Failed {
				jp.Connections[id] = &ConnectionProgress{ConnID: id, Status: catalog.StatusFailed}
			}
		}
	}

	s.mu.Lock()
	s.jobs[jobID] = jp
	s.mu.Unlock()

	s.Emit(Event{Type: EventJobStarted, JobID: jobID, Timestamp: time.Now()})
	return jp
}

// Job returns the live progress record for jobId, if any.
func (s *Stream) Job(jobID string) (*JobProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	return jp, ok
}

// StartConnection begins tracking one connection within a job.
func (s *Stream) StartConnection(jobID, connID, connName string) {
	s.mu.Lock()
	jp, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	jp.Connections[connID] = &ConnectionProgress{
		ConnID:    connID,
		ConnName:  connName,
		Status:    catalog.StatusRunning,
		StartedAt: time.Now(),
	}
	s.mu.Unlock()

	s.writeCheckpoint(jp)
	s.Emit(Event{Type: EventConnectionStarted, JobID: jobID, ConnID: connID, Timestamp: time.Now()})
}

// ConnectionUpdate is a partial update applied by UpdateConnectionProgress.
type ConnectionUpdate struct {
	Step          *string
	RowsProcessed *int
	TotalRows     *int
}

// UpdateConnectionProgress applies a partial update to a connection's
// progress. RowsProcessed is clamped to be monotonic non-decreasing.
func (s *Stream) UpdateConnectionProgress(jobID, connID string, upd ConnectionUpdate) {
	s.mu.Lock()
	jp, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	cp, ok := jp.Connections[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if upd.Step != nil {
		cp.Step = *upd.Step
	}
	if upd.TotalRows != nil {
		cp.TotalRows = *upd.TotalRows
	}
	if upd.RowsProcessed != nil && *upd.RowsProcessed > cp.RowsProcessed {
		cp.RowsProcessed = *upd.RowsProcessed
	}
	s.mu.Unlock()

	s.Emit(Event{Type: EventConnectionProgress, JobID: jobID, ConnID: connID, Timestamp: time.Now()})
}

// CompleteConnection marks a connection terminal-completed.
func (s *Stream) CompleteConnection(jobID, connID string, rows int) {
	s.mu.Lock()
	jp, ok := s.jobs[jobID]
	if ok {
		if cp, ok := jp.Connections[connID]; ok {
			cp.Status = catalog.StatusCompleted
			cp.EndedAt = time.Now()
			if rows > cp.RowsProcessed {
				cp.RowsProcessed = rows
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.writeCheckpoint(jp)
	}
	s.Emit(Event{Type: EventConnectionComplete, JobID: jobID, ConnID: connID, Timestamp: time.Now()})
}

// FailConnection marks a connection terminal-failed.
func (s *Stream) FailConnection(jobID, connID string, cause error) {
	s.mu.Lock()
	jp, ok := s.jobs[jobID]
	if ok {
		if cp, ok := jp.Connections[connID]; ok {
			cp.Status = catalog.StatusFailed
			cp.EndedAt = time.Now()
			if cause != nil {
				cp.Error = cause.Error()
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.writeCheckpoint(jp)
	}
	s.Emit(Event{Type: EventConnectionFailed, JobID: jobID, ConnID: connID, Timestamp: time.Now()})
}

// UpdateJobStep sets a free-form step label for UI display.
func (s *Stream) UpdateJobStep(jobID, step string) {
	s.mu.Lock()
	if jp, ok := s.jobs[jobID]; ok {
		jp.Step = step
	}
	s.mu.Unlock()
	s.Emit(Event{Type: EventJobProgress, JobID: jobID, Timestamp: time.Now()})
}

// CompleteJob terminally completes a job, in strict mode refusing while
// any connection remains running, and deletes its checkpoint.
func (s *Stream) CompleteJob(jobID string, strict bool) error {
	s.mu.Lock()
	jp, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("progress: unknown job %s", jobID)
	}
	if strict {
		for _, cp := range jp.Connections {
			if cp.Status == catalog.StatusRunning {
				s.mu.Unlock()
				return fmt.Errorf("progress: cannot complete job %s while connection %s is running", jobID, cp.ConnID)
			}
		}
	}
	jp.Status = catalog.StatusCompleted
	jp.EndedAt = time.Now()
	jp.terminatedAt = jp.EndedAt
	s.mu.Unlock()

	s.deleteCheckpoint(jobID)
	s.Emit(Event{Type: EventJobCompleted, JobID: jobID, Timestamp: time.Now()})
	return nil
}

// FailJob terminally fails a job.
func (s *Stream) FailJob(jobID string, cause error) {
	s.mu.Lock()
	jp, ok := s.jobs[jobID]
	if ok {
		jp.Status = catalog.StatusFailed
		jp.EndedAt = time.Now()
		jp.terminatedAt = jp.EndedAt
	}
	s.mu.Unlock()
	_ = cause
	s.Emit(Event{Type: EventJobFailed, JobID: jobID, Timestamp: time.Now()})
}

// CancelJobComplete terminally cancels a job.
func (s *Stream) CancelJobComplete(jobID string) {
	s.mu.Lock()
	jp, ok := s.jobs[jobID]
	if ok {
		jp.Status = catalog.StatusCancelled
		jp.EndedAt = time.Now()
		jp.terminatedAt = jp.EndedAt
	}
	s.mu.Unlock()
	s.Emit(Event{Type: EventJobCancelled, JobID: jobID, Timestamp: time.Now()})
}

// CancelJob sets the cancel-requested flag if and only if jobID is
// currently running, and reports whether it did.
func (s *Stream) CancelJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	if !ok || jp.Status != catalog.StatusRunning {
		return false
	}
	jp.CancelRequested = true
	return true
}

// IsCancellationRequested reports whether jobID has a pending cancel
// request. The executor polls this at defined checkpoints.
func (s *Stream) IsCancellationRequested(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	return ok && jp.CancelRequested
}

// Sweep removes terminated job records older than retention. Intended to
// run periodically from a background goroutine owned by the caller.
func (s *Stream) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, jp := range s.jobs {
		if !jp.terminatedAt.IsZero() && now.Sub(jp.terminatedAt) > retention {
			delete(s.jobs, id)
		}
	}
}

func (s *Stream) checkpointPath(jobID string) string {
	return s.checkpointDir + "/" + jobID + ".json"
}
