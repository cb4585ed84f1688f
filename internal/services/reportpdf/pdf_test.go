package reportpdf

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/platform/hash"
	"boot-medic/internal/services/report"

	_ "modernc.org/sqlite"
)

// seedScanDocument 建库、登记扫描并落一份规范化文档，返回 (dbPath, exportDir)。
func seedScanDocument(t *testing.T, ctx context.Context) (string, string) {
	t.Helper()
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "medic.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		t.Fatalf("set busy_timeout: %v", err)
	}
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqliteadapter.NewStore(db)

	if err := store.CreateScan(ctx, "scan_1", `D:\`, "S:", model.IntentPreview, "tech", "bench", "0.1.0", "cafe"); err != nil {
		t.Fatalf("create scan: %v", err)
	}

	doc := report.Build(report.Input{
		EngineVersion:      "0.1.0",
		CatalogFingerprint: "cafe",
		ScanID:             "scan_1",
		GeneratedAt:        1700000000000,
		Mode:               model.IntentPreview,
		Operator:           "tech",
		Detections: []model.Detection{{
			RuleID: "bcd_store_missing", Title: "BCD store missing",
			Severity: model.SeverityCritical, Confidence: 0.95,
			Evidence: map[string]string{"store_path": `S:\EFI\Microsoft\Boot\BCD`},
		}},
		Plan: []model.PlannedAction{{
			Seq: 1,
			Action: model.Action{Kind: model.ActionRebuildBCDStore, Risk: model.RiskHigh,
				Justification: "rebuild store from installed windows", CommandText: `bcdboot D:\Windows /s S: /f UEFI`},
			SourceRules: []string{"bcd_store_missing"}, Status: model.PlanStatusPlanned,
		}},
		Execution: []model.ExecutionRecord{{
			Seq: 1, Action: model.ActionRebuildBCDStore, Status: model.ExecWouldExecute,
		}},
	})
	raw, err := report.Encode(doc)
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	docPath := filepath.Join(tmp, "scan_1.json")
	if err := os.WriteFile(docPath, raw, 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}
	sum, _, err := hash.File(docPath)
	if err != nil {
		t.Fatalf("hash document: %v", err)
	}
	if _, err := store.SaveReport(ctx, "scan_1", model.ReportTypeScanDocument, docPath, sum, "engine-0.1.0", "completed"); err != nil {
		t.Fatalf("save report: %v", err)
	}
	return dbPath, filepath.Join(tmp, "exports")
}

func TestGenerateDiagnosisPDF_CreatesReportAndFile(t *testing.T) {
	ctx := context.Background()
	dbPath, exportDir := seedScanDocument(t, ctx)

	res, err := GenerateDiagnosisPDF(ctx, Options{
		ScanID:    "scan_1",
		DBPath:    dbPath,
		ExportDir: exportDir,
		Operator:  "tech",
		Note:      "bench",
	})
	if err != nil {
		t.Fatalf("GenerateDiagnosisPDF: %v", err)
	}
	if res.ReportID == "" || res.PDFPath == "" || res.PDFSHA256 == "" {
		t.Fatalf("result incomplete: %+v", res)
	}

	st, err := os.Stat(res.PDFPath)
	if err != nil {
		t.Fatalf("stat pdf: %v", err)
	}
	if st.Size() <= 0 {
		t.Fatalf("pdf size should be > 0, got %d", st.Size())
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	info, err := sqliteadapter.NewStore(db).GetReportByID(ctx, res.ReportID)
	if err != nil || info == nil {
		t.Fatalf("report row=%+v err=%v", info, err)
	}
	if info.ReportType != model.ReportTypeDiagnosisPDF {
		t.Fatalf("report type=%s", info.ReportType)
	}
	if info.SHA256 != res.PDFSHA256 {
		t.Fatalf("sha mismatch: db=%s res=%s", info.SHA256, res.PDFSHA256)
	}
}

func TestGenerateDiagnosisPDF_RequiresScanID(t *testing.T) {
	if _, err := GenerateDiagnosisPDF(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error for missing scan_id")
	}
}

func TestGenerateDiagnosisPDF_NoCanonicalDocument(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "medic.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := sqliteadapter.NewStore(db).CreateScan(ctx, "scan_1", `D:\`, "", model.IntentPreview, "", "", "0.1.0", ""); err != nil {
		t.Fatalf("create scan: %v", err)
	}

	_, err = GenerateDiagnosisPDF(ctx, Options{ScanID: "scan_1", DBPath: dbPath, ExportDir: filepath.Join(tmp, "exports")})
	if err == nil || !strings.Contains(err.Error(), "no canonical document") {
		t.Fatalf("err=%v", err)
	}
}
