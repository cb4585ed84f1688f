package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"boot-medic/internal/domain/model"

	"github.com/google/go-cmp/cmp"
)

func sampleSnapshot() *model.Snapshot {
	return &model.Snapshot{
		ScanID:        "scan_1",
		TargetRoot:    `D:\`,
		WindowsDir:    `D:\Windows`,
		Context:       model.RuntimeWinPE,
		CollectedAt:   1700000000,
		RootReachable: true,
		ESP:           model.ESPEvidence{Designator: "S:", Reachable: true},
		Probes: []model.Probe{
			model.CollectedProbe("esp"),
			model.UnavailableProbe("event_log", "wevtutil unavailable offline"),
		},
		Incomplete: true,
	}
}

func TestBuild_CollectionsNeverNil(t *testing.T) {
	doc := Build(Input{
		EngineVersion: "0.1.0",
		ScanID:        "scan_1",
		Mode:          model.IntentPreview,
		Operator:      "tech",
	})

	raw, err := Encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(raw, []byte("null")) {
		t.Fatalf("document contains null collections:\n%s", raw)
	}
	if doc.Schema != model.DocumentSchema {
		t.Fatalf("schema=%q", doc.Schema)
	}
	if doc.Target.Operator != "tech" {
		t.Fatalf("operator=%q", doc.Target.Operator)
	}
}

func TestBuild_SnapshotSummary(t *testing.T) {
	doc := Build(Input{
		EngineVersion:  "0.1.0",
		ScanID:         "scan_1",
		Mode:           model.IntentPreview,
		Operator:       "tech",
		Snapshot:       sampleSnapshot(),
		EvidencePath:   "/tmp/evidence/scan_1/snapshot.json",
		EvidenceSHA256: "abc123",
	})

	if doc.Target.Root != `D:\` || doc.Target.ESP != "S:" || doc.Target.Context != "winpe" {
		t.Fatalf("target=%+v", doc.Target)
	}
	if !doc.Snapshot.Incomplete || doc.Snapshot.ProbeCount != 2 {
		t.Fatalf("snapshot=%+v", doc.Snapshot)
	}
	if len(doc.Snapshot.Unavailable) != 1 || doc.Snapshot.Unavailable[0].Name != "event_log" {
		t.Fatalf("unavailable=%+v", doc.Snapshot.Unavailable)
	}
	if doc.Snapshot.EvidenceSHA256 != "abc123" {
		t.Fatalf("evidence sha=%q", doc.Snapshot.EvidenceSHA256)
	}
}

func TestNormalize_StripsVolatileFields(t *testing.T) {
	in := Input{
		EngineVersion:  "0.1.0",
		ScanID:         "scan_1",
		GeneratedAt:    1700000123,
		Mode:           model.IntentApply,
		Operator:       "tech",
		Snapshot:       sampleSnapshot(),
		EvidencePath:   "/tmp/evidence/scan_1/snapshot.json",
		EvidenceSHA256: "abc123",
		Execution: []model.ExecutionRecord{{
			Seq: 1, Action: model.ActionVerifyVolume, Status: model.ExecSuccess,
			StartedAt: 1700000100000, FinishedAt: 1700000101000,
		}},
	}
	doc := Normalize(Build(in))

	if doc.ScanID != "" || doc.GeneratedAt != 0 {
		t.Fatalf("volatile ids survived: %+v", doc)
	}
	if doc.Snapshot.CollectedAt != 0 || doc.Snapshot.EvidencePath != "" || doc.Snapshot.EvidenceSHA256 != "" {
		t.Fatalf("volatile snapshot fields survived: %+v", doc.Snapshot)
	}
	if doc.Execution[0].StartedAt != 0 || doc.Execution[0].FinishedAt != 0 {
		t.Fatalf("volatile execution timestamps survived: %+v", doc.Execution[0])
	}
	// 非挥发内容保持不动。
	if doc.Execution[0].Action != model.ActionVerifyVolume || doc.Execution[0].Status != model.ExecSuccess {
		t.Fatalf("normalize mutated non-volatile fields: %+v", doc.Execution[0])
	}
}

func TestNormalize_ByteIdenticalAcrossCalls(t *testing.T) {
	mk := func(scanID string, at int64) model.ScanDocument {
		return Build(Input{
			EngineVersion: "0.1.0",
			ScanID:        scanID,
			GeneratedAt:   at,
			Mode:          model.IntentPreview,
			Operator:      "tech",
			Snapshot:      sampleSnapshot(),
			EvidencePath:  "/tmp/evidence/" + scanID + "/snapshot.json",
			Detections: []model.Detection{{
				RuleID: "winre_disabled", Title: "WinRE disabled", Severity: model.SeverityInfo,
				Confidence: 0.6, Evidence: map[string]string{"status": "disabled"},
				Remediation: []model.ActionKind{model.ActionEnableRecoveryEnv},
			}},
		})
	}

	a, err := Encode(Normalize(mk("scan_a", 1)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(Normalize(mk("scan_b", 2)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("normalized documents differ:\n%s", cmp.Diff(string(a), string(b)))
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	doc := Build(Input{
		EngineVersion: "0.1.0",
		ScanID:        "scan_1",
		Mode:          model.IntentPreview,
		Operator:      "tech",
		Snapshot:      sampleSnapshot(),
	})
	raw, err := Encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[len(raw)-1] != '\n' {
		t.Fatalf("document must end with newline")
	}
	var back model.ScanDocument
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(doc, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNarrative_NoSnapshot(t *testing.T) {
	got := Narrative(nil, nil, nil)
	if !strings.Contains(got, "No usable evidence snapshot") {
		t.Fatalf("got=%q", got)
	}
}

func TestNarrative_CleanScan(t *testing.T) {
	got := Narrative(sampleSnapshot(), nil, nil)
	if !strings.Contains(got, "No known boot failure signature matched") {
		t.Fatalf("got=%q", got)
	}
	if !strings.Contains(got, `D:\`) {
		t.Fatalf("target root missing: %q", got)
	}
}

func TestNarrative_PrimaryFindingAndCounts(t *testing.T) {
	detections := []model.Detection{
		{RuleID: "bcd_store_missing", Title: "BCD store missing", Severity: model.SeverityCritical, Confidence: 0.95},
		{RuleID: "pending_file_renames", Title: "Pending renames", Severity: model.SeverityWarning, Confidence: 0.7},
		{RuleID: "winre_disabled", Title: "WinRE disabled", Severity: model.SeverityInfo, Confidence: 0.6},
	}
	plan := []model.PlannedAction{
		{Seq: 1, Status: model.PlanStatusPlanned},
		{Seq: 2, Status: model.PlanStatusPlanned},
		{Seq: 3, Status: model.PlanStatusManual},
	}

	got := Narrative(sampleSnapshot(), detections, plan)
	for _, want := range []string{
		"Primary finding: BCD store missing",
		"2 additional signature(s) matched: pending_file_renames, winre_disabled",
		"1 critical, 1 warning, 1 informational",
		"unverified, not ruled out",
		"2 automatic action(s) and 1 item(s) requiring manual intervention",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("narrative %q missing %q", got, want)
		}
	}

	// 纯函数：同输入同输出。
	if again := Narrative(sampleSnapshot(), detections, plan); again != got {
		t.Fatalf("narrative not deterministic")
	}
}
