package progress

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// bgCtx is used for the handful of fire-and-forget Redis operations
// (Publish) that don't have a caller-supplied context to hang off.
var bgCtx = context.Background()

// writeCheckpoint persists jp's completed/failed connection lists via a
// temp-file-then-rename, mirroring the catalogue store's atomic write.
func (s *Stream) writeCheckpoint(jp *JobProgress) {
	cp := checkpoint{JobID: jp.JobID, JobName: jp.JobName, StartedAt: jp.StartedAt}
	for id, c := range jp.Connections {
		switch c.Status {
		case "completed":
			cp.Completed = append(cp.Completed, id)
		case "failed":
			cp.Failed = append(cp.Failed, id)
		}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return
	}

	if err := os.MkdirAll(s.checkpointDir, 0o755); err != nil {
		s.log.Warn().Err(err).Str("job_id", jp.JobID).Msg("progress: creating checkpoint dir failed")
		return
	}

	tmp, err := os.CreateTemp(s.checkpointDir, ".checkpoint-*.tmp")
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jp.JobID).Msg("progress: creating temp checkpoint failed")
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	if err := os.Rename(tmpPath, s.checkpointPath(jp.JobID)); err != nil {
		s.log.Warn().Err(err).Str("job_id", jp.JobID).Msg("progress: renaming checkpoint failed")
	}
}

func (s *Stream) loadCheckpoint(jobID string) (*checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(jobID))
	if err != nil {
		return nil, err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Stream) deleteCheckpoint(jobID string) {
	os.Remove(s.checkpointPath(jobID))
}

// StrayCheckpoints lists job ids with a checkpoint file on disk but no
// live progress record — resume candidates after a crash.
func (s *Stream) StrayCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(s.checkpointDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stray []string
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".json" {
			continue
		}
		jobID := name[:len(name)-len(ext)]
		if _, live := s.jobs[jobID]; !live {
			stray = append(stray, jobID)
		}
	}
	return stray, nil
}
