package diagnose

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	catalogadapter "boot-medic/internal/adapters/catalog"
	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/adapters/target"
	"boot-medic/internal/adapters/wincmd"
	"boot-medic/internal/app"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/platform/hash"
	"boot-medic/internal/platform/id"
	"boot-medic/internal/services/execute"
	"boot-medic/internal/services/plan"
	"boot-medic/internal/services/report"
	"boot-medic/internal/services/safety"
	"boot-medic/internal/services/sigmatch"

	_ "modernc.org/sqlite"
)

// ProgressFunc 接收各阶段进度通知（采集/匹配/规划/执行/报告）。
type ProgressFunc func(stage string)

// Options 定义一次诊断扫描的输入参数。
type Options struct {
	TargetRoot string
	ESP        string

	Apply               bool
	ConfirmLiveRepair   bool
	AcknowledgeBuildGap bool

	DBPath       string
	CatalogPath  string
	EvidenceRoot string
	ActionLogDir string
	LockDir      string
	BackupDir    string

	Operator string
	Note     string

	// OutPath 非空时把规范化文档落盘到该路径。
	OutPath string

	Runner   wincmd.Runner
	Progress ProgressFunc
}

// Result 定义一次诊断扫描的摘要输出。
// ExitCode 是进程退出码约定：0 正常、1 致命/阻断/锁竞争、2 无可用快照。
type Result struct {
	ScanID       string             `json:"scan_id"`
	Mode         model.Intent       `json:"mode"`
	Outcome      string             `json:"outcome"`
	ExitCode     int                `json:"exit_code"`
	Document     model.ScanDocument `json:"document"`
	DocumentPath string             `json:"document_path,omitempty"`
	ReportID     string             `json:"report_id,omitempty"`
	StartedAt    int64              `json:"started_at"`
	FinishedAt   int64              `json:"finished_at"`
}

// Run 执行诊断主流程：
// 1) 准备数据库与目录
// 2) 迁移建表，登记扫描会话
// 3) 采集不可变证据快照并落盘
// 4) 签名匹配、安全裁决、生成修复计划
// 5) 执行（或预演）计划，动作日志与审计链同步落地
// 6) 装配规范化文档，收尾会话
func Run(ctx context.Context, opts Options) (*Result, error) {
	defaults := app.DefaultConfig()
	if opts.DBPath == "" {
		opts.DBPath = defaults.DBPath
	}
	if opts.CatalogPath == "" {
		opts.CatalogPath = defaults.CatalogPath
	}
	if opts.EvidenceRoot == "" {
		opts.EvidenceRoot = defaults.EvidenceRoot
	}
	if opts.ActionLogDir == "" {
		opts.ActionLogDir = defaults.ActionLogDir
	}
	if opts.LockDir == "" {
		opts.LockDir = defaults.LockDir
	}
	if opts.BackupDir == "" {
		opts.BackupDir = defaults.BackupDir
	}
	if opts.TargetRoot == "" {
		return nil, errors.New("target root is required")
	}
	runner := opts.Runner
	if runner == nil {
		runner = wincmd.ExecRunner{}
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(string) {}
	}

	mode := model.IntentPreview
	if opts.Apply {
		mode = model.IntentApply
	}

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(opts.EvidenceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	// 内部单机工具优先稳定性：SQLite 用单连接 + busy_timeout 减少“database is locked”。
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrator := sqliteadapter.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	store := sqliteadapter.NewStore(db)

	// 签名目录先于扫描会话加载：目录坏了整次扫描不该开始。
	progress("catalog")
	loaded, err := catalogadapter.NewLoader(opts.CatalogPath).Load(ctx)
	if err != nil {
		return nil, err
	}
	matcher, err := sigmatch.NewMatcher(loaded)
	if err != nil {
		return nil, err
	}

	scanID := id.New("scan")
	startedAt := time.Now().UnixMilli()
	if err := store.CreateScan(ctx, scanID, opts.TargetRoot, opts.ESP, mode, opts.Operator, opts.Note, app.Version, loaded.SHA256); err != nil {
		return nil, err
	}

	warnings := []string{}
	mirror := func(e model.ActionLogEntry) {
		if merr := store.AppendActionEvent(ctx, e); merr != nil {
			warnings = append(warnings, fmt.Sprintf("action event mirror failed: %v", merr))
		}
	}
	logger, err := execute.NewLogger(opts.ActionLogDir, opts.TargetRoot)
	if err != nil {
		return nil, err
	}
	logEvent := func(e model.ActionLogEntry) {
		if lerr := logger.Append(e); lerr != nil {
			warnings = append(warnings, fmt.Sprintf("action log append failed: %v", lerr))
		}
		mirror(e)
	}
	logEvent(model.ActionLogEntry{
		At: startedAt, ScanID: scanID, Mode: mode,
		Marker: model.MarkScan, Note: "scan started: " + opts.TargetRoot,
	})

	res := &Result{ScanID: scanID, Mode: mode, StartedAt: startedAt}

	// 采集不可变快照。
	progress("collect")
	collector := &target.Collector{Root: opts.TargetRoot, ESP: opts.ESP, Run: runner}
	snap, err := collector.Collect(ctx, scanID)
	if err != nil {
		if errors.Is(err, target.ErrNoUsableSnapshot) {
			doc := report.Build(report.Input{
				EngineVersion:      app.Version,
				CatalogFingerprint: loaded.SHA256,
				ScanID:             scanID,
				GeneratedAt:        time.Now().UnixMilli(),
				Mode:               mode,
				Operator:           opts.Operator,
				Snapshot:           snap,
				Errors:             []model.DocumentError{{Code: model.ErrCodeNoUsableSnapshot, Message: err.Error()}},
				Warnings:           warnings,
			})
			doc.Target.Root = opts.TargetRoot
			res.Document = doc
			res.Outcome = model.OutcomeNoSnapshot
			res.ExitCode = 2
			res.FinishedAt = time.Now().UnixMilli()
			logEvent(model.ActionLogEntry{
				At: res.FinishedAt, ScanID: scanID, Mode: mode,
				Marker: model.MarkScan, Note: "scan aborted: no usable snapshot",
			})
			finishScan(ctx, store, scanID, model.ScanStatusFailed, model.OutcomeNoSnapshot, &warnings)
			res.Document.Warnings = warnings
			writeDocument(ctx, store, res, opts.OutPath, &warnings)
			res.Document.Warnings = warnings
			return res, nil
		}
		return nil, err
	}

	// 快照证据 JSON 落盘 + 哈希入库；失败不阻断诊断，记警告。
	evidencePath := filepath.Join(opts.EvidenceRoot, scanID+".json")
	evidenceSHA := ""
	if raw, merr := json.MarshalIndent(snap, "", "  "); merr != nil {
		warnings = append(warnings, fmt.Sprintf("encode snapshot evidence: %v", merr))
		evidencePath = ""
	} else if werr := os.WriteFile(evidencePath, append(raw, '\n'), 0o644); werr != nil {
		warnings = append(warnings, fmt.Sprintf("write snapshot evidence: %v", werr))
		evidencePath = ""
	} else {
		sum, size, herr := hash.File(evidencePath)
		if herr != nil {
			warnings = append(warnings, fmt.Sprintf("hash snapshot evidence: %v", herr))
		} else {
			evidenceSHA = sum
			if _, serr := store.SaveSnapshotInfo(ctx, model.SnapshotInfo{
				ScanID:           scanID,
				EvidencePath:     evidencePath,
				SHA256:           sum,
				SizeBytes:        size,
				Incomplete:       snap.Incomplete,
				ProbeCount:       len(snap.Probes),
				UnavailableCount: len(snap.UnavailableProbes()),
				CollectedAt:      snap.CollectedAt,
			}); serr != nil {
				warnings = append(warnings, fmt.Sprintf("save snapshot info: %v", serr))
			}
		}
	}

	// 签名匹配。
	progress("match")
	matched := matcher.Match(snap)
	if err := store.SaveDetections(ctx, scanID, matched.Detections); err != nil {
		warnings = append(warnings, err.Error())
	}
	if err := store.SaveSkippedRules(ctx, scanID, matched.Skipped); err != nil {
		warnings = append(warnings, err.Error())
	}

	// 安全状态与修复计划。
	progress("plan")
	st := safety.StateFromSnapshot(snap)
	gate := safety.Gate{
		Intent:              mode,
		ConfirmLiveRepair:   opts.ConfirmLiveRepair,
		AcknowledgeBuildGap: opts.AcknowledgeBuildGap,
	}
	planner := plan.Planner{BackupDir: opts.BackupDir}
	planned := planner.Build(snap, matched.Detections, st)
	if err := store.SavePlan(ctx, scanID, planned); err != nil {
		warnings = append(warnings, err.Error())
	}

	// 执行（或预演）。
	progress("execute")
	encVolume := snap.Encryption.Volume
	if encVolume == "" {
		encVolume = opts.TargetRoot
	}
	probe := safety.EncryptionProbe{Volume: encVolume, Run: runner}
	executor := &execute.Executor{
		Run:       runner,
		Gate:      gate,
		Log:       logger,
		LockDir:   opts.LockDir,
		Operator:  opts.Operator,
		EncVolume: encVolume,
		EncProbe:  func(c context.Context) model.EncryptionStatus { return probe.Status(c) },
		Mirror:    mirror,
	}
	records, execWarnings, execErr := executor.Execute(ctx, scanID, opts.TargetRoot, st, planned)
	warnings = append(warnings, execWarnings...)

	outcome := model.OutcomeOK
	status := model.ScanStatusCompleted
	docErrors := []model.DocumentError{}
	switch {
	case execErr != nil && errors.Is(execErr, execute.ErrLockHeld):
		outcome = model.OutcomeLockContention
		status = model.ScanStatusFailed
		docErrors = append(docErrors, model.DocumentError{Code: model.ErrCodeLockContention, Message: execErr.Error()})
	case execErr != nil:
		return nil, execErr
	default:
		for _, r := range records {
			if r.Status == model.ExecFatal {
				outcome = model.OutcomeFatal
				break
			}
			if r.Status == model.ExecSafetyBlocked && outcome == model.OutcomeOK {
				outcome = model.OutcomeBlocked
			}
		}
		if ctx.Err() != nil {
			status = model.ScanStatusCancelled
		}
	}

	// 装配规范化文档并收尾。
	progress("report")
	if err := store.SaveExecutions(ctx, scanID, records); err != nil {
		warnings = append(warnings, err.Error())
	}
	res.FinishedAt = time.Now().UnixMilli()
	res.Outcome = outcome
	res.ExitCode = exitCodeFor(outcome)
	res.Document = report.Build(report.Input{
		EngineVersion:      app.Version,
		CatalogFingerprint: loaded.SHA256,
		ScanID:             scanID,
		GeneratedAt:        res.FinishedAt,
		Mode:               mode,
		Operator:           opts.Operator,
		Snapshot:           snap,
		EvidencePath:       evidencePath,
		EvidenceSHA256:     evidenceSHA,
		Detections:         matched.Detections,
		Skipped:            matched.Skipped,
		Safety:             st,
		SafetyNotes:        safety.Notes(st, gate),
		Plan:               planned,
		Execution:          records,
		Errors:             docErrors,
		Warnings:           warnings,
	})

	logEvent(model.ActionLogEntry{
		At: res.FinishedAt, ScanID: scanID, Mode: mode,
		Marker: model.MarkScan, Note: "scan finished: outcome " + outcome,
	})
	finishScan(ctx, store, scanID, status, outcome, &warnings)
	// 落盘前先把累计告警写进文档，落盘文档与内存结果同源。
	res.Document.Warnings = warnings
	writeDocument(ctx, store, res, opts.OutPath, &warnings)
	res.Document.Warnings = warnings
	return res, nil
}

func exitCodeFor(outcome string) int {
	switch outcome {
	case model.OutcomeOK:
		return 0
	case model.OutcomeNoSnapshot:
		return 2
	default:
		return 1
	}
}

func finishScan(ctx context.Context, store *sqliteadapter.Store, scanID, status, outcome string, warnings *[]string) {
	if err := store.FinishScan(ctx, scanID, status, outcome); err != nil {
		*warnings = append(*warnings, err.Error())
	}
}

// writeDocument 把文档落盘（如果调用方要求）并登记报告索引。
func writeDocument(ctx context.Context, store *sqliteadapter.Store, res *Result, outPath string, warnings *[]string) {
	if outPath == "" {
		return
	}
	raw, err := report.Encode(res.Document)
	if err != nil {
		*warnings = append(*warnings, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		*warnings = append(*warnings, fmt.Sprintf("create document directory: %v", err))
		return
	}
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		*warnings = append(*warnings, fmt.Sprintf("write scan document: %v", err))
		return
	}
	sum, _, err := hash.File(outPath)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("hash scan document: %v", err))
		return
	}
	reportID, err := store.SaveReport(ctx, res.ScanID, model.ReportTypeScanDocument, outPath, sum, app.Version, "completed")
	if err != nil {
		*warnings = append(*warnings, err.Error())
		return
	}
	res.ReportID = reportID
	res.DocumentPath = outPath
}
