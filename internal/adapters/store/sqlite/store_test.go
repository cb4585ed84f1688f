package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"boot-medic/internal/domain/model"
	"boot-medic/internal/services/auditverify"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "medic.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000`); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if err := NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestMigrator_SchemaMeta(t *testing.T) {
	s := openTestStore(t)
	v, err := s.GetSchemaMetaValue(context.Background(), "schema_version")
	if err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if v == "" {
		t.Fatalf("schema_version empty")
	}
	missing, err := s.GetSchemaMetaValue(context.Background(), "no_such_key")
	if err != nil || missing != "" {
		t.Fatalf("missing key: %q %v", missing, err)
	}
}

func TestScanLifecycleAndOverview(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateScan(ctx, "scan_1", `D:\`, "S:", model.IntentPreview, "tech", "first pass", "0.1.0", "deadbeef"); err != nil {
		t.Fatalf("create scan: %v", err)
	}

	if err := s.SaveDetections(ctx, "scan_1", []model.Detection{
		{RuleID: "bcd_store_missing", Title: "BCD store missing", Severity: model.SeverityCritical, Confidence: 0.95,
			Evidence: map[string]string{"store_path": `S:\EFI\Microsoft\Boot\BCD`}, Remediation: []model.ActionKind{model.ActionRebuildBCDStore}},
		{RuleID: "winre_disabled", Title: "WinRE disabled", Severity: model.SeverityInfo, Confidence: 0.6,
			Evidence: map[string]string{"status": "disabled"}, Remediation: []model.ActionKind{model.ActionEnableRecoveryEnv}},
	}); err != nil {
		t.Fatalf("save detections: %v", err)
	}
	if err := s.SaveSkippedRules(ctx, "scan_1", []model.SkippedRule{
		{RuleID: "disk_io_errors", Reason: "event log evidence unavailable: wevtutil missing"},
	}); err != nil {
		t.Fatalf("save skipped: %v", err)
	}
	if err := s.SavePlan(ctx, "scan_1", []model.PlannedAction{
		{Seq: 1, Action: model.Action{Kind: model.ActionRebuildBCDStore, Risk: model.RiskHigh, Destructive: true,
			Justification: "rebuild", CommandText: `bcdboot D:\Windows /s S: /f UEFI`},
			SourceRules: []string{"bcd_store_missing"}, Preconditions: []string{"bcd store backed up"}, Status: model.PlanStatusPlanned},
	}); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	if err := s.SaveExecutions(ctx, "scan_1", []model.ExecutionRecord{
		{Seq: 1, Action: model.ActionRebuildBCDStore, Status: model.ExecSuccess, StartedAt: 1, FinishedAt: 2},
	}); err != nil {
		t.Fatalf("save executions: %v", err)
	}
	if _, err := s.SaveReport(ctx, "scan_1", model.ReportTypeScanDocument, "/tmp/doc.json", "abc", "engine-0.1.0", "ready"); err != nil {
		t.Fatalf("save report: %v", err)
	}
	if err := s.FinishScan(ctx, "scan_1", model.ScanStatusCompleted, model.OutcomeOK); err != nil {
		t.Fatalf("finish scan: %v", err)
	}

	ov, err := s.GetScanOverview(ctx, "scan_1")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov == nil {
		t.Fatalf("overview nil")
	}
	if ov.Status != model.ScanStatusCompleted || ov.Outcome != model.OutcomeOK {
		t.Fatalf("overview=%+v", ov)
	}
	if ov.DetectionCount != 2 || ov.CriticalCount != 1 || ov.ActionCount != 1 || ov.ExecutedCount != 1 || ov.ReportCount != 1 {
		t.Fatalf("counters=%+v", ov)
	}

	if missing, err := s.GetScanOverview(ctx, "scan_nope"); err != nil || missing != nil {
		t.Fatalf("missing scan: %+v %v", missing, err)
	}

	list, err := s.ListScans(ctx, 10, 0)
	if err != nil || len(list) != 1 || list[0].ScanID != "scan_1" {
		t.Fatalf("list=%+v err=%v", list, err)
	}
}

func TestSnapshotInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.CreateScan(ctx, "scan_1", `D:\`, "", model.IntentPreview, "", "", "0.1.0", ""); err != nil {
		t.Fatalf("create scan: %v", err)
	}

	id, err := s.SaveSnapshotInfo(ctx, model.SnapshotInfo{
		ScanID:           "scan_1",
		EvidencePath:     "/tmp/evidence/scan_1/snapshot.json",
		SHA256:           "abc",
		SizeBytes:        1234,
		Incomplete:       true,
		ProbeCount:       14,
		UnavailableCount: 2,
		CollectedAt:      1700000000,
	})
	if err != nil {
		t.Fatalf("save snapshot info: %v", err)
	}
	if id == "" {
		t.Fatalf("snapshot id empty")
	}

	snaps, err := s.ListSnapshotsByScan(ctx, "scan_1")
	if err != nil || len(snaps) != 1 {
		t.Fatalf("snaps=%+v err=%v", snaps, err)
	}
	got := snaps[0]
	if got.SnapshotID != id || !got.Incomplete || got.ProbeCount != 14 || got.UnavailableCount != 2 {
		t.Fatalf("snapshot=%+v", got)
	}
}

func TestAppendActionEvent_ChainVerifies(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.CreateScan(ctx, "scan_1", `D:\`, "", model.IntentApply, "", "", "0.1.0", ""); err != nil {
		t.Fatalf("create scan: %v", err)
	}

	entries := []model.ActionLogEntry{
		{At: 1000, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkScan, Note: "scan start"},
		{At: 2000, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkExecuted, Action: model.ActionMountESP, Command: "mountvol S: /S"},
		{At: 3000, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkExecuted, Action: model.ActionVerifyVolume, Command: "chkdsk D:"},
	}
	for _, e := range entries {
		if err := s.AppendActionEvent(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ListActionEvents(ctx, "scan_1", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events=%d", len(events))
	}
	if events[0].ChainPrevHash != "" {
		t.Fatalf("first prev hash should be empty: %+v", events[0])
	}
	for i := 1; i < len(events); i++ {
		if events[i].ChainPrevHash != events[i-1].ChainHash {
			t.Fatalf("chain broken at %d", i)
		}
	}

	res := auditverify.VerifyActionEvents(events)
	if !res.OK {
		t.Fatalf("chain verify failed: %+v", res)
	}

	// 链按扫描会话独立。
	if err := s.AppendActionEvent(ctx, model.ActionLogEntry{At: 500, ScanID: "scan_2", Mode: model.IntentPreview, Marker: model.MarkScan}); err != nil {
		t.Fatalf("append other scan: %v", err)
	}
	other, err := s.ListActionEvents(ctx, "scan_2", 100)
	if err != nil || len(other) != 1 || other[0].ChainPrevHash != "" {
		t.Fatalf("other chain=%+v err=%v", other, err)
	}
}

func TestAppendActionEvent_SameMillisecondBurst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.CreateScan(ctx, "scan_1", `D:\`, "", model.IntentApply, "", "", "0.1.0", ""); err != nil {
		t.Fatalf("create scan: %v", err)
	}

	// 执行器在致命失败后把剩余计划整批标记 SKIPPED，
	// 这些行全落在同一毫秒里，读取顺序必须与写入顺序一致。
	const at = int64(1700000000000)
	entries := []model.ActionLogEntry{
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkScan, Note: "scan start"},
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkExecuted, Action: model.ActionMountESP, Command: "mountvol S: /S"},
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkFailed, Action: model.ActionExportBCDStore, Note: "exit 1"},
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkSkipped, Action: model.ActionBindBCDDevice, Note: "prior action failed"},
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkSkipped, Action: model.ActionBindBCDOSDevice, Note: "prior action failed"},
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkSkipped, Action: model.ActionRepairLoaderPath, Note: "prior action failed"},
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkSkipped, Action: model.ActionVerifyVolume, Note: "prior action failed"},
		{At: at, ScanID: "scan_1", Mode: model.IntentApply, Marker: model.MarkScan, Note: "scan finished"},
	}
	for _, e := range entries {
		if err := s.AppendActionEvent(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ListActionEvents(ctx, "scan_1", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != len(entries) {
		t.Fatalf("events=%d want %d", len(events), len(entries))
	}
	for i, e := range entries {
		if events[i].Marker != e.Marker || events[i].Action != string(e.Action) || events[i].Note != e.Note {
			t.Fatalf("row %d out of write order: %+v", i, events[i])
		}
	}
	if events[0].ChainPrevHash != "" {
		t.Fatalf("first prev hash should be empty: %+v", events[0])
	}
	for i := 1; i < len(events); i++ {
		if events[i].ChainPrevHash != events[i-1].ChainHash {
			t.Fatalf("chain broken at %d: prev=%s want %s", i, events[i].ChainPrevHash, events[i-1].ChainHash)
		}
	}

	res := auditverify.VerifyActionEvents(events)
	if !res.OK {
		t.Fatalf("chain verify failed: %+v", res)
	}
	if res.Total != len(entries) || res.Failed != 0 {
		t.Fatalf("verify result=%+v", res)
	}
}

func TestReportIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.CreateScan(ctx, "scan_1", `D:\`, "", model.IntentPreview, "", "", "0.1.0", ""); err != nil {
		t.Fatalf("create scan: %v", err)
	}

	docID, err := s.SaveReport(ctx, "scan_1", model.ReportTypeScanDocument, "/tmp/doc.json", "aaa", "engine-0.1.0", "ready")
	if err != nil {
		t.Fatalf("save doc report: %v", err)
	}
	pdfID, err := s.SaveReport(ctx, "scan_1", model.ReportTypeDiagnosisPDF, "/tmp/report.pdf", "bbb", "diagnosispdf-0.1.0", "ready")
	if err != nil {
		t.Fatalf("save pdf report: %v", err)
	}

	byID, err := s.GetReportByID(ctx, pdfID)
	if err != nil || byID == nil || byID.ReportType != model.ReportTypeDiagnosisPDF {
		t.Fatalf("byID=%+v err=%v", byID, err)
	}

	latestDoc, err := s.GetLatestReportByScan(ctx, "scan_1", model.ReportTypeScanDocument)
	if err != nil || latestDoc == nil || latestDoc.ReportID != docID {
		t.Fatalf("latest doc=%+v err=%v", latestDoc, err)
	}

	all, err := s.ListReportsByScan(ctx, "scan_1")
	if err != nil || len(all) != 2 {
		t.Fatalf("all=%+v err=%v", all, err)
	}

	none, err := s.GetReportByID(ctx, "report_nope")
	if err != nil || none != nil {
		t.Fatalf("missing report: %+v %v", none, err)
	}
}
