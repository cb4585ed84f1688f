package webapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"boot-medic/internal/platform/id"
	"boot-medic/internal/services/diagnose"
)

type jobManager struct {
	mu   sync.Mutex
	jobs map[string]*scanJob
}

func newJobManager() *jobManager {
	return &jobManager{jobs: make(map[string]*scanJob)}
}

type scanJob struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"` // running|success|failed|cancelled
	CreatedAt  int64  `json:"created_at"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`

	// Stage/Logs 是给前端“控制台”用的轻量字段：
	// 扫描阶段固定（collect -> match -> plan -> execute -> report），
	// 不追求百分比精度，但至少能让 UI 展示当前阶段与实时日志。
	Stage string       `json:"stage,omitempty"`
	Logs  []jobLogLine `json:"logs,omitempty"`

	TargetRoot string `json:"target_root"`
	ScanID     string `json:"scan_id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	ExitCode   int    `json:"exit_code"`

	Error string `json:"error,omitempty"`

	cancel context.CancelFunc
}

type jobLogLine struct {
	Time    int64  `json:"time"`
	Message string `json:"message"`
}

func (m *jobManager) put(job *scanJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
}

func (m *jobManager) getCopy(jobID string) (scanJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j == nil {
		return scanJob{}, false
	}
	return copyJob(j), true
}

func (m *jobManager) listCopies() []scanJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scanJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j == nil {
			continue
		}
		out = append(out, copyJob(j))
	}
	return out
}

// copyJob 深拷贝 Logs，避免解锁后后台 goroutine append 导致 data race。
// 调用方必须已持有 m.mu。
func copyJob(j *scanJob) scanJob {
	cpy := *j
	cpy.cancel = nil
	if len(cpy.Logs) > 0 {
		tmp := make([]jobLogLine, len(cpy.Logs))
		copy(tmp, cpy.Logs)
		cpy.Logs = tmp
	}
	return cpy
}

type startScanRequest struct {
	TargetRoot string `json:"target_root"`
	ESP        string `json:"esp,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Note       string `json:"note,omitempty"`
}

// handleJobStartScan 发起后台扫描任务。
//
// Web 入口只允许预演：实施修复是破坏性操作，必须走 CLI 的
// --apply --confirm-live 显式确认路径，这里不暴露等价开关。
func (s *Server) handleJobStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	targetRoot := strings.TrimSpace(req.TargetRoot)
	if targetRoot == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("target_root is required"))
		return
	}
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = "webapp"
	}

	jobID := id.New("job")
	now := time.Now().Unix()
	jobCtx, cancel := context.WithCancel(context.Background())
	job := &scanJob{
		JobID:      jobID,
		Kind:       "scan_preview",
		Status:     "running",
		CreatedAt:  now,
		StartedAt:  now,
		Stage:      "collect",
		TargetRoot: targetRoot,
		Logs: []jobLogLine{{
			Time:    now,
			Message: "job created",
		}},
		cancel: cancel,
	}
	s.jobs.put(job)

	// 先返回一份拷贝，避免后台 goroutine 修改同一对象导致数据竞争。
	s.jobs.mu.Lock()
	resp := copyJob(job)
	s.jobs.mu.Unlock()

	go func() {
		defer cancel()

		update := func(stage string, msg string) {
			s.jobs.mu.Lock()
			defer s.jobs.mu.Unlock()
			if stage != "" {
				job.Stage = stage
			}
			if strings.TrimSpace(msg) != "" {
				job.Logs = append(job.Logs, jobLogLine{
					Time:    time.Now().Unix(),
					Message: msg,
				})
			}
		}

		update("collect", "scan starting: "+targetRoot)

		res, err := diagnose.Run(jobCtx, diagnose.Options{
			TargetRoot:   targetRoot,
			ESP:          strings.TrimSpace(req.ESP),
			Apply:        false,
			DBPath:       s.opts.DBPath,
			CatalogPath:  s.opts.CatalogPath,
			EvidenceRoot: s.opts.EvidenceRoot,
			ActionLogDir: s.opts.ActionLogDir,
			LockDir:      s.opts.LockDir,
			BackupDir:    s.opts.BackupDir,
			Operator:     operator,
			Note:         strings.TrimSpace(req.Note),
			OutPath:      filepath.Join(s.opts.ExportDir, jobID+"_document.json"),
			Progress: func(stage string) {
				update(stage, "stage: "+stage)
			},
		})

		s.jobs.mu.Lock()
		defer s.jobs.mu.Unlock()
		job.Stage = "finished"
		job.FinishedAt = time.Now().Unix()
		if res != nil {
			job.ScanID = res.ScanID
			job.Outcome = res.Outcome
			job.ExitCode = res.ExitCode
		}
		switch {
		case jobCtx.Err() != nil:
			job.Status = "cancelled"
			job.Logs = append(job.Logs, jobLogLine{Time: time.Now().Unix(), Message: "job cancelled"})
		case err != nil:
			job.Status = "failed"
			job.Error = err.Error()
			job.Logs = append(job.Logs, jobLogLine{Time: time.Now().Unix(), Message: "scan failed: " + err.Error()})
		default:
			job.Status = "success"
			job.Logs = append(job.Logs, jobLogLine{Time: time.Now().Unix(), Message: "scan finished: outcome " + res.Outcome})
		}
	}()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": s.jobs.listCopies(),
	})
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	jobID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		job, ok := s.jobs.getCopy(jobID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("job not found: %s", jobID))
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.jobs.mu.Lock()
		j, ok := s.jobs.jobs[jobID]
		if ok && j != nil && j.cancel != nil && j.Status == "running" {
			j.cancel()
			j.Logs = append(j.Logs, jobLogLine{Time: time.Now().Unix(), Message: "cancel requested"})
		}
		s.jobs.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("job not found: %s", jobID))
			return
		}
		job, _ := s.jobs.getCopy(jobID)
		writeJSON(w, http.StatusOK, job)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
