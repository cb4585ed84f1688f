package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"boot-medic/internal/domain/model"
	"boot-medic/internal/platform/hash"
	"boot-medic/internal/platform/id"
)

// Store 封装与 SQLite 的读写逻辑。
// 数据库是扫描历史的索引与审计存证，不参与诊断决策：
// 引擎的输入永远是当次采集的快照，不读历史。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateScan 登记一次扫描会话（status=running）。
func (s *Store) CreateScan(ctx context.Context, scanID, targetRoot, esp string, mode model.Intent, operator, note, engineVersion, catalogFingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scans(
			scan_id, target_root, esp, mode, status, operator, note,
			engine_version, catalog_fingerprint, started_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, scanID, targetRoot, nullIfEmpty(esp), string(mode), model.ScanStatusRunning,
		nullIfEmpty(operator), nullIfEmpty(note), engineVersion, nullIfEmpty(catalogFingerprint), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// FinishScan 收尾扫描会话，落最终状态与结局。
func (s *Store) FinishScan(ctx context.Context, scanID, status, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scans SET status = ?, outcome = ?, finished_at = ?
		WHERE scan_id = ?
	`, status, nullIfEmpty(outcome), time.Now().Unix(), scanID)
	if err != nil {
		return fmt.Errorf("finish scan: %w", err)
	}
	return nil
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// SaveSnapshotInfo 登记快照证据文件索引。
func (s *Store) SaveSnapshotInfo(ctx context.Context, info model.SnapshotInfo) (string, error) {
	snapshotID := info.SnapshotID
	if snapshotID == "" {
		snapshotID = id.New("snap")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots(
			snapshot_id, scan_id, evidence_path, sha256, size_bytes,
			incomplete, probe_count, unavailable_count, collected_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snapshotID, info.ScanID, info.EvidencePath, info.SHA256, info.SizeBytes,
		boolToInt(info.Incomplete), info.ProbeCount, info.UnavailableCount, info.CollectedAt)
	if err != nil {
		return "", fmt.Errorf("insert snapshot info: %w", err)
	}
	return snapshotID, nil
}

// SaveDetections 批量写入签名命中，使用事务保证原子性。
func (s *Store) SaveDetections(ctx context.Context, scanID string, detections []model.Detection) error {
	if len(detections) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save detections: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections(
			detection_id, scan_id, rule_id, title, description,
			severity, confidence, evidence_json, actions_json, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert detections: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, d := range detections {
		_, err = stmt.ExecContext(ctx,
			id.New("det"),
			scanID,
			d.RuleID,
			d.Title,
			d.Description,
			string(d.Severity),
			d.Confidence,
			mustJSON(d.Evidence),
			mustJSON(d.Remediation),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert detection %s: %w", d.RuleID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save detections: %w", err)
	}
	return nil
}

// SaveSkippedRules 批量写入跳过的规则。
func (s *Store) SaveSkippedRules(ctx context.Context, scanID string, skipped []model.SkippedRule) error {
	if len(skipped) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save skipped rules: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO skipped_rules(scan_id, rule_id, reason)
		VALUES(?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert skipped rules: %w", err)
	}
	defer stmt.Close()

	for _, r := range skipped {
		if _, err = stmt.ExecContext(ctx, scanID, r.RuleID, r.Reason); err != nil {
			return fmt.Errorf("insert skipped rule %s: %w", r.RuleID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save skipped rules: %w", err)
	}
	return nil
}

// SavePlan 批量写入修复计划条目。
func (s *Store) SavePlan(ctx context.Context, scanID string, plan []model.PlannedAction) error {
	if len(plan) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save plan: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_actions(
			scan_id, seq, kind, risk, destructive, justification, command,
			source_rules, no_op, no_op_reason, preconditions, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert plan: %w", err)
	}
	defer stmt.Close()

	for _, pa := range plan {
		_, err = stmt.ExecContext(ctx,
			scanID,
			pa.Seq,
			string(pa.Action.Kind),
			string(pa.Action.Risk),
			boolToInt(pa.Action.Destructive),
			pa.Action.Justification,
			pa.Action.CommandText,
			mustJSON(pa.SourceRules),
			boolToInt(pa.NoOp),
			pa.NoOpReason,
			mustJSON(pa.Preconditions),
			string(pa.Status),
		)
		if err != nil {
			return fmt.Errorf("insert plan action %d: %w", pa.Seq, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save plan: %w", err)
	}
	return nil
}

// SaveExecutions 批量写入逐动作执行记录。
func (s *Store) SaveExecutions(ctx context.Context, scanID string, records []model.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save executions: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO executions(
			scan_id, seq, kind, status, exit_code, output, reason, started_at, finished_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert executions: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err = stmt.ExecContext(ctx,
			scanID,
			r.Seq,
			string(r.Action),
			string(r.Status),
			r.ExitCode,
			r.Output,
			r.Reason,
			r.StartedAt,
			r.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert execution %d: %w", r.Seq, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save executions: %w", err)
	}
	return nil
}

// AppendActionEvent 写入动作审计链的一行，并生成链式 hash 以便后续校验完整性。
// 链按扫描会话独立：prev 取同 scan_id 的最后一行。
// 最后一行按 seq 认定：occurred_at 是毫秒粒度，执行器在一毫秒内会连写多行。
func (s *Store) AppendActionEvent(ctx context.Context, e model.ActionLogEntry) error {
	prev := ""
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM action_events
		WHERE scan_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, e.ScanID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	eventID := id.New("evt")
	chain := hash.Text(prev, e.ScanID, string(e.Mode), e.Marker, string(e.Action), e.Command, e.Note, fmt.Sprintf("%d", e.At))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_events(
			event_id, scan_id, occurred_at, mode, marker, action, command, note,
			chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, e.ScanID, e.At, string(e.Mode), e.Marker, nullIfEmpty(string(e.Action)),
		nullIfEmpty(e.Command), nullIfEmpty(e.Note), nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert action event: %w", err)
	}
	return nil
}

// ListActionEvents 返回扫描的动作审计链（按写入序升序，与链的前驱选取一致）。
func (s *Store) ListActionEvents(ctx context.Context, scanID string, limit int) ([]model.ActionEventRow, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			scan_id,
			occurred_at,
			mode,
			marker,
			COALESCE(action, ''),
			COALESCE(command, ''),
			COALESCE(note, ''),
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM action_events
		WHERE scan_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, scanID, limit)
	if err != nil {
		return nil, fmt.Errorf("query action events: %w", err)
	}
	defer rows.Close()

	var out []model.ActionEventRow
	for rows.Next() {
		var item model.ActionEventRow
		if err := rows.Scan(
			&item.EventID,
			&item.ScanID,
			&item.OccurredAt,
			&item.Mode,
			&item.Marker,
			&item.Action,
			&item.Command,
			&item.Note,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan action event: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action events: %w", err)
	}
	if out == nil {
		out = []model.ActionEventRow{}
	}
	return out, nil
}

// SaveReport 记录报告产物信息，供 query/export 流程追踪。
func (s *Store) SaveReport(ctx context.Context, scanID, reportType, filePath, sha256, generatorVersion, status string) (string, error) {
	reportID := id.New("report")
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, scan_id, report_type, file_path, sha256, generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, scanID, reportType, filePath, sha256, now, generatorVersion, status)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

// GetReportByID 按报告 ID 查询报告索引。
func (s *Store) GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report_id, scan_id, report_type, file_path, sha256, generated_at,
			COALESCE(generator_version, ''), status
		FROM reports
		WHERE report_id = ?
		LIMIT 1
	`, reportID)
	return scanReportInfo(row)
}

// GetLatestReportByScan 返回扫描指定类型的最新报告索引。
// reportType 为空时不限类型。
func (s *Store) GetLatestReportByScan(ctx context.Context, scanID, reportType string) (*model.ReportInfo, error) {
	var row *sql.Row
	if reportType == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT report_id, scan_id, report_type, file_path, sha256, generated_at,
				COALESCE(generator_version, ''), status
			FROM reports
			WHERE scan_id = ?
			ORDER BY generated_at DESC, report_id DESC
			LIMIT 1
		`, scanID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT report_id, scan_id, report_type, file_path, sha256, generated_at,
				COALESCE(generator_version, ''), status
			FROM reports
			WHERE scan_id = ? AND report_type = ?
			ORDER BY generated_at DESC, report_id DESC
			LIMIT 1
		`, scanID, reportType)
	}
	return scanReportInfo(row)
}

// ListReportsByScan 返回扫描全部报告索引，按生成时间倒序。
func (s *Store) ListReportsByScan(ctx context.Context, scanID string) ([]model.ReportInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, scan_id, report_type, file_path, sha256, generated_at,
			COALESCE(generator_version, ''), status
		FROM reports
		WHERE scan_id = ?
		ORDER BY generated_at DESC, report_id DESC
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query reports by scan: %w", err)
	}
	defer rows.Close()

	var out []model.ReportInfo
	for rows.Next() {
		var item model.ReportInfo
		if err := rows.Scan(
			&item.ReportID,
			&item.ScanID,
			&item.ReportType,
			&item.FilePath,
			&item.SHA256,
			&item.GeneratedAt,
			&item.GeneratorVersion,
			&item.Status,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	if out == nil {
		out = []model.ReportInfo{}
	}
	return out, nil
}

func scanReportInfo(row *sql.Row) (*model.ReportInfo, error) {
	var out model.ReportInfo
	if err := row.Scan(
		&out.ReportID,
		&out.ScanID,
		&out.ReportType,
		&out.FilePath,
		&out.SHA256,
		&out.GeneratedAt,
		&out.GeneratorVersion,
		&out.Status,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query report info: %w", err)
	}
	return &out, nil
}

// GetScanOverview 返回扫描聚合摘要（检出数/危急数/计划数/执行数/报告数）。
//
// 重要：聚合用子查询一次完成，不在 rows.Next() 循环里再发查询——
// 连接池是单连接（SetMaxOpenConns(1)），嵌套查询会等待“第二条连接”死锁。
func (s *Store) GetScanOverview(ctx context.Context, scanID string) (*model.ScanOverview, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			sc.scan_id,
			sc.target_root,
			COALESCE(sc.esp, ''),
			sc.mode,
			sc.status,
			COALESCE(sc.outcome, ''),
			COALESCE(sc.operator, ''),
			COALESCE(sc.note, ''),
			sc.engine_version,
			COALESCE(sc.catalog_fingerprint, ''),
			sc.started_at,
			sc.finished_at,
			(SELECT COUNT(*) FROM detections d WHERE d.scan_id = sc.scan_id),
			(SELECT COUNT(*) FROM detections d WHERE d.scan_id = sc.scan_id AND d.severity = 'critical'),
			(SELECT COUNT(*) FROM plan_actions p WHERE p.scan_id = sc.scan_id),
			(SELECT COUNT(*) FROM executions e WHERE e.scan_id = sc.scan_id AND e.status = 'success'),
			(SELECT COUNT(*) FROM reports r WHERE r.scan_id = sc.scan_id)
		FROM scans sc
		WHERE sc.scan_id = ?
	`, scanID)

	var out model.ScanOverview
	if err := row.Scan(
		&out.ScanID,
		&out.TargetRoot,
		&out.ESP,
		&out.Mode,
		&out.Status,
		&out.Outcome,
		&out.Operator,
		&out.Note,
		&out.EngineVersion,
		&out.CatalogFingerprint,
		&out.StartedAt,
		&out.FinishedAt,
		&out.DetectionCount,
		&out.CriticalCount,
		&out.ActionCount,
		&out.ExecutedCount,
		&out.ReportCount,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query scan overview: %w", err)
	}
	return &out, nil
}

// ListScans 返回扫描列表，按开始时间倒序。
func (s *Store) ListScans(ctx context.Context, limit, offset int) ([]model.ScanOverview, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			sc.scan_id,
			sc.target_root,
			COALESCE(sc.esp, ''),
			sc.mode,
			sc.status,
			COALESCE(sc.outcome, ''),
			COALESCE(sc.operator, ''),
			COALESCE(sc.note, ''),
			sc.engine_version,
			COALESCE(sc.catalog_fingerprint, ''),
			sc.started_at,
			sc.finished_at,
			(SELECT COUNT(*) FROM detections d WHERE d.scan_id = sc.scan_id),
			(SELECT COUNT(*) FROM detections d WHERE d.scan_id = sc.scan_id AND d.severity = 'critical'),
			(SELECT COUNT(*) FROM plan_actions p WHERE p.scan_id = sc.scan_id),
			(SELECT COUNT(*) FROM executions e WHERE e.scan_id = sc.scan_id AND e.status = 'success'),
			(SELECT COUNT(*) FROM reports r WHERE r.scan_id = sc.scan_id)
		FROM scans sc
		ORDER BY sc.started_at DESC, sc.scan_id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []model.ScanOverview
	for rows.Next() {
		var item model.ScanOverview
		if err := rows.Scan(
			&item.ScanID,
			&item.TargetRoot,
			&item.ESP,
			&item.Mode,
			&item.Status,
			&item.Outcome,
			&item.Operator,
			&item.Note,
			&item.EngineVersion,
			&item.CatalogFingerprint,
			&item.StartedAt,
			&item.FinishedAt,
			&item.DetectionCount,
			&item.CriticalCount,
			&item.ActionCount,
			&item.ExecutedCount,
			&item.ReportCount,
		); err != nil {
			return nil, fmt.Errorf("scan overview row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	if out == nil {
		out = []model.ScanOverview{}
	}
	return out, nil
}

// ListSnapshotsByScan 返回扫描的快照索引。
func (s *Store) ListSnapshotsByScan(ctx context.Context, scanID string) ([]model.SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			snapshot_id, scan_id, evidence_path, sha256, size_bytes,
			incomplete, probe_count, unavailable_count, collected_at
		FROM snapshots
		WHERE scan_id = ?
		ORDER BY collected_at ASC, snapshot_id ASC
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.SnapshotInfo
	for rows.Next() {
		var item model.SnapshotInfo
		var incomplete int
		if err := rows.Scan(
			&item.SnapshotID,
			&item.ScanID,
			&item.EvidencePath,
			&item.SHA256,
			&item.SizeBytes,
			&incomplete,
			&item.ProbeCount,
			&item.UnavailableCount,
			&item.CollectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot info: %w", err)
		}
		item.Incomplete = incomplete == 1
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	if out == nil {
		out = []model.SnapshotInfo{}
	}
	return out, nil
}

// mustJSON 序列化必然可编码的内部值（map/slice of 基本类型）。
func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
