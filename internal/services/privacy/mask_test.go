package privacy

import (
	"strings"
	"testing"

	"boot-medic/internal/domain/model"
)

func TestMaskText_UserProfile(t *testing.T) {
	got := MaskText(`C:\Users\alice\AppData\Local\Temp\dump.dmp`)
	if strings.Contains(got, "alice") {
		t.Fatalf("account segment not masked: %q", got)
	}
	if !strings.Contains(got, "<masked>") {
		t.Fatalf("placeholder missing: %q", got)
	}
	// 目录结构其余部分保留，便于排查。
	if !strings.Contains(got, `AppData\Local\Temp\dump.dmp`) {
		t.Fatalf("non-account path segments should survive: %q", got)
	}
}

func TestMaskText_UNCPath(t *testing.T) {
	got := MaskText(`\\WORKSTATION\C$\Users\bob\Desktop\notes.txt`)
	if strings.Contains(got, "bob") {
		t.Fatalf("UNC account segment not masked: %q", got)
	}
}

func TestMaskText_NoUserSegment(t *testing.T) {
	in := `D:\Windows\System32\config\SYSTEM`
	if got := MaskText(in); got != in {
		t.Fatalf("text without account segment changed: %q", got)
	}
	if got := MaskText(""); got != "" {
		t.Fatalf("empty input changed: %q", got)
	}
}

func TestMaskPath(t *testing.T) {
	got := MaskPath(`/var/lib/boot-medic/evidence/scan_0001/snapshot.json`)
	if got != "snapshot.json" {
		t.Fatalf("got=%q want=%q", got, "snapshot.json")
	}
	if got := MaskPath("  "); got != "" {
		t.Fatalf("blank path: got=%q", got)
	}
}

func TestMaskDocument(t *testing.T) {
	doc := model.ScanDocument{
		Schema: model.DocumentSchema,
		Target: model.TargetSummary{
			Root:     `D:\`,
			Operator: "alice",
		},
		Snapshot: model.SnapshotSummary{
			EvidencePath: `/var/lib/boot-medic/evidence/scan_0001/snapshot.json`,
		},
		Detections: []model.Detection{{
			RuleID:   "pending_file_renames",
			Severity: model.SeverityWarning,
			Evidence: map[string]string{
				"sample": `C:\Users\alice\AppData\Local\Temp\setup.exe -> (delete)`,
			},
		}},
		Plan: []model.PlannedAction{{
			Seq: 1,
			Action: model.Action{
				Kind:          model.ActionClearPendingRenames,
				CommandText:   `reg delete ... C:\Users\alice\AppData`,
				Justification: "clear renames queued under C:\\Users\\alice",
			},
		}},
		Execution: []model.ExecutionRecord{{
			Seq:    1,
			Status: model.ExecSuccess,
			Output: `removed C:\Users\alice\AppData\Local\Temp\setup.exe`,
		}},
		Narrative: `Pending renames reference C:\Users\alice\AppData.`,
		Warnings:  []string{`probe failed under C:\Users\alice\NTUSER.DAT`},
	}

	out := MaskDocument(doc)

	if out.Target.Operator != "<masked>" {
		t.Fatalf("operator not masked: %q", out.Target.Operator)
	}
	if out.Snapshot.EvidencePath != "snapshot.json" {
		t.Fatalf("evidence path not compacted: %q", out.Snapshot.EvidencePath)
	}
	for _, s := range []string{
		out.Detections[0].Evidence["sample"],
		out.Plan[0].Action.CommandText,
		out.Plan[0].Action.Justification,
		out.Execution[0].Output,
		out.Narrative,
		out.Warnings[0],
	} {
		if strings.Contains(s, "alice") {
			t.Fatalf("account leaked: %q", s)
		}
	}

	// 原文档不被改写：脱敏只作用于副本。
	if doc.Target.Operator != "alice" {
		t.Fatalf("source document mutated: %q", doc.Target.Operator)
	}
	if !strings.Contains(doc.Detections[0].Evidence["sample"], "alice") {
		t.Fatalf("source evidence mutated: %q", doc.Detections[0].Evidence["sample"])
	}
}
