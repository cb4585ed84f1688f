package plan

import (
	"testing"

	"boot-medic/internal/domain/model"
)

func testSnapshot() *model.Snapshot {
	return &model.Snapshot{
		ScanID:        "scan_test",
		TargetRoot:    `D:\`,
		WindowsDir:    `D:\Windows`,
		Context:       model.RuntimeWinPE,
		RootReachable: true,
		ESP: model.ESPEvidence{
			Designator: "S:",
			Reachable:  true,
			FileSystem: "FAT32",
		},
		BCD: model.BCDEvidence{
			StorePath:   `S:\EFI\Microsoft\Boot\BCD`,
			StoreExists: true,
			StoreSize:   256 << 10,
		},
		Encryption: model.EncryptionEvidence{Volume: "D:", Status: model.EncryptionOff},
		Hives: model.HiveEvidence{
			SystemPath:   `D:\Windows\System32\config\SYSTEM`,
			SystemExists: true,
			SystemSize:   16 << 20,
		},
		Pending: model.PendingOpsEvidence{
			SessionManagerKey: `HKLM\tmp_SYSTEM\ControlSet001\Control\Session Manager`,
		},
	}
}

func newPlanner(t *testing.T) *Planner {
	return &Planner{BackupDir: t.TempDir()}
}

func seqOf(plan []model.PlannedAction, kind model.ActionKind) int {
	for _, pa := range plan {
		if pa.Action.Kind == kind {
			return pa.Seq
		}
	}
	return -1
}

func TestBuild_BackupBeforeDestructive(t *testing.T) {
	p := newPlanner(t)
	detections := []model.Detection{{
		RuleID:      "bcd_device_unbound",
		Severity:    model.SeverityCritical,
		Evidence:    map[string]string{"entry": "{default}", "device": "unknown"},
		Remediation: []model.ActionKind{model.ActionBindBCDDevice},
	}}

	plan := p.Build(testSnapshot(), detections, model.SafetyState{})

	exp := seqOf(plan, model.ActionExportBCDStore)
	bind := seqOf(plan, model.ActionBindBCDDevice)
	if exp < 0 || bind < 0 {
		t.Fatalf("plan missing actions: %+v", plan)
	}
	if exp >= bind {
		t.Fatalf("backup (seq %d) must come before destructive action (seq %d)", exp, bind)
	}
	for i, pa := range plan {
		if pa.Seq != i+1 {
			t.Fatalf("seq not contiguous at %d: %+v", i, pa)
		}
	}
}

func TestBuild_BackupInsertedOnce(t *testing.T) {
	p := newPlanner(t)
	detections := []model.Detection{
		{
			RuleID:      "bcd_device_unbound",
			Evidence:    map[string]string{"entry": "{default}"},
			Remediation: []model.ActionKind{model.ActionBindBCDDevice},
		},
		{
			RuleID:      "bcd_osdevice_unbound",
			Evidence:    map[string]string{"entry": "{default}"},
			Remediation: []model.ActionKind{model.ActionBindBCDOSDevice},
		},
	}

	plan := p.Build(testSnapshot(), detections, model.SafetyState{})

	count := 0
	for _, pa := range plan {
		if pa.Action.Kind == model.ActionExportBCDStore {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("bcd export should appear exactly once, got %d: %+v", count, plan)
	}
}

func TestBuild_DedupMergesSourceRules(t *testing.T) {
	p := newPlanner(t)
	detections := []model.Detection{
		{RuleID: "esp_not_fat32", Remediation: []model.ActionKind{model.ActionRebuildBCDStore}},
		{RuleID: "bcd_store_missing", Remediation: []model.ActionKind{model.ActionRebuildBCDStore}},
	}

	plan := p.Build(testSnapshot(), detections, model.SafetyState{})

	var rebuild *model.PlannedAction
	for i := range plan {
		if plan[i].Action.Kind == model.ActionRebuildBCDStore {
			if rebuild != nil {
				t.Fatalf("rebuild planned twice")
			}
			rebuild = &plan[i]
		}
	}
	if rebuild == nil {
		t.Fatalf("rebuild not planned: %+v", plan)
	}
	if len(rebuild.SourceRules) != 2 {
		t.Fatalf("source rules=%v want both rule ids", rebuild.SourceRules)
	}
}

func TestBuild_ManualPlaceholderForUnmappedDetection(t *testing.T) {
	p := newPlanner(t)
	detections := []model.Detection{{
		RuleID:   "repeated_crash_dumps",
		Severity: model.SeverityWarning,
		Evidence: map[string]string{"minidump_count": "4"},
	}}

	plan := p.Build(testSnapshot(), detections, model.SafetyState{})
	if len(plan) != 1 {
		t.Fatalf("plan=%+v", plan)
	}
	pa := plan[0]
	if pa.Action.Kind != model.ActionManualIntervention {
		t.Fatalf("kind=%s", pa.Action.Kind)
	}
	if pa.Status != model.PlanStatusManual {
		t.Fatalf("status=%s", pa.Status)
	}
}

func TestBuild_UnbuildableMappingBecomesManual(t *testing.T) {
	p := newPlanner(t)
	snap := testSnapshot()
	snap.Hives.SystemSize = 0
	snap.Hives.BackupSystemOK = false // 没有 RegBack 副本，恢复动作无法构造

	detections := []model.Detection{{
		RuleID:      "system_hive_zero_length",
		Severity:    model.SeverityCritical,
		Evidence:    map[string]string{"hive_path": snap.Hives.SystemPath},
		Remediation: []model.ActionKind{model.ActionRestoreHiveBackup},
	}}

	plan := p.Build(snap, detections, model.SafetyState{})
	if len(plan) != 1 || plan[0].Action.Kind != model.ActionManualIntervention {
		t.Fatalf("expected manual placeholder: %+v", plan)
	}
	if plan[0].Status != model.PlanStatusManual {
		t.Fatalf("status=%s", plan[0].Status)
	}
}

func TestBuild_MountESPInsertedWhenUnreachable(t *testing.T) {
	p := newPlanner(t)
	snap := testSnapshot()
	snap.ESP.Reachable = false

	detections := []model.Detection{{
		RuleID:      "bcd_store_missing",
		Remediation: []model.ActionKind{model.ActionRebuildBCDStore},
	}}

	plan := p.Build(snap, detections, model.SafetyState{})
	mount := seqOf(plan, model.ActionMountESP)
	rebuild := seqOf(plan, model.ActionRebuildBCDStore)
	if mount < 0 {
		t.Fatalf("mount_esp not inserted: %+v", plan)
	}
	if mount >= rebuild {
		t.Fatalf("mount_esp (seq %d) must precede rebuild (seq %d)", mount, rebuild)
	}
}

func TestBuild_SuspendEncryptionInsertedWhenOn(t *testing.T) {
	p := newPlanner(t)
	snap := testSnapshot()
	snap.Encryption.Status = model.EncryptionOn

	detections := []model.Detection{{
		RuleID:      "component_store_pending",
		Remediation: []model.ActionKind{model.ActionRevertPendingServicing},
	}}

	st := model.SafetyState{Encryption: model.EncryptionOn}
	plan := p.Build(snap, detections, st)

	suspend := seqOf(plan, model.ActionSuspendEncryption)
	revert := seqOf(plan, model.ActionRevertPendingServicing)
	if suspend < 0 {
		t.Fatalf("suspend_encryption not inserted: %+v", plan)
	}
	if suspend >= revert {
		t.Fatalf("suspend (seq %d) must precede revert (seq %d)", suspend, revert)
	}

	// 状态不可知：不进计划，留给执行器的闸门前置条件。
	st.Encryption = model.EncryptionUnknown
	plan = p.Build(snap, detections, st)
	if seqOf(plan, model.ActionSuspendEncryption) >= 0 {
		t.Fatalf("suspend should not be planned on unknown encryption: %+v", plan)
	}
}

func TestBuild_NoOpBackupForAbsentStore(t *testing.T) {
	p := newPlanner(t)
	snap := testSnapshot()
	snap.BCD.StoreExists = false

	detections := []model.Detection{{
		RuleID:      "bcd_store_missing",
		Remediation: []model.ActionKind{model.ActionRebuildBCDStore},
	}}

	plan := p.Build(snap, detections, model.SafetyState{})
	for _, pa := range plan {
		if pa.Action.Kind == model.ActionExportBCDStore {
			if !pa.NoOp || pa.NoOpReason == "" {
				t.Fatalf("export of absent store should be a flagged no-op: %+v", pa)
			}
			return
		}
	}
	t.Fatalf("export backup not planned: %+v", plan)
}

func TestBuild_Deterministic(t *testing.T) {
	p := newPlanner(t)
	detections := []model.Detection{
		{RuleID: "bcd_device_unbound", Evidence: map[string]string{"entry": "{default}"}, Remediation: []model.ActionKind{model.ActionBindBCDDevice}},
		{RuleID: "pending_file_renames", Evidence: map[string]string{"registry_key": `HKLM\...\Session Manager`}, Remediation: []model.ActionKind{model.ActionClearPendingRenames}},
		{RuleID: "winre_disabled", Remediation: []model.ActionKind{model.ActionEnableRecoveryEnv}},
	}

	a := p.Build(testSnapshot(), detections, model.SafetyState{})
	b := p.Build(testSnapshot(), detections, model.SafetyState{})
	if len(a) != len(b) {
		t.Fatalf("plan lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Action.Key() != b[i].Action.Key() || a[i].Seq != b[i].Seq {
			t.Fatalf("plans diverge at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestBuild_PreconditionsRendered(t *testing.T) {
	p := newPlanner(t)
	detections := []model.Detection{{
		RuleID:      "component_store_pending",
		Remediation: []model.ActionKind{model.ActionRevertPendingServicing},
	}}

	plan := p.Build(testSnapshot(), detections, model.SafetyState{})
	for _, pa := range plan {
		if pa.Action.Kind != model.ActionRevertPendingServicing {
			continue
		}
		found := map[string]bool{}
		for _, pre := range pa.Preconditions {
			found[pre] = true
		}
		if !found["system hive backed up"] || !found["bitlocker suspended"] {
			t.Fatalf("preconditions=%v", pa.Preconditions)
		}
		return
	}
	t.Fatalf("revert not planned: %+v", plan)
}
