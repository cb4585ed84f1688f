package reportpdf

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/app"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/platform/hash"
	"boot-medic/internal/services/scanview"

	"github.com/phpdave11/gofpdf"

	_ "modernc.org/sqlite"
)

// 诊断 PDF 报告（diagnosis_pdf）
//
// PDF 是规范化文档的只读渲染：内容全部来自 ScanDocument，不回查数据库拼字段，
// 保证与 CLI/Web 展示的是同一份结论。二进制产物走文件下载，不做内联预览。

type Options struct {
	ScanID    string
	DBPath    string
	ExportDir string
	Operator  string
	Note      string
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const pdfGeneratorVer = "diagnosispdf-0.1.0"

// GenerateDiagnosisPDF 读取扫描的规范化文档、渲染为 PDF，
// 并在 reports 表登记 report_type=diagnosis_pdf。
func GenerateDiagnosisPDF(ctx context.Context, opts Options) (*Result, error) {
	scanID := strings.TrimSpace(opts.ScanID)
	if scanID == "" {
		return nil, fmt.Errorf("scan_id is required")
	}

	cfg := app.DefaultConfig()
	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		exportDir = filepath.Join(filepath.Dir(dbPath), "exports")
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir exports: %w", err)
	}

	doc, _, err := scanview.LoadDocument(ctx, dbPath, scanID)
	if err != nil {
		return nil, err
	}

	warnings := []string{}
	now := time.Now().Unix()
	pdfPath := filepath.Join(exportDir, fmt.Sprintf("%s_diagnosis_%d.pdf", scanID, now))

	pdf, utf8OK := buildPDF(doc, opts.Operator, opts.Note, now)
	if !utf8OK {
		// 不支持 UTF-8 字体时非 ASCII 字符会被替换为 '?'，写进 warnings 避免误解为内容丢失。
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	reportID, err := sqliteadapter.NewStore(db).SaveReport(ctx, scanID, model.ReportTypeDiagnosisPDF, pdfPath, sum, pdfGeneratorVer, "ready")
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(doc model.ScanDocument, operator, note string, generatedAt int64) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Boot Medic - Diagnosis Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Boot Medic - Diagnosis Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(operator) != "" {
		pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	}
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	// Overview
	sectionTitle(pdf, fontFamily, "1. Scan Overview")
	kv(pdf, fontFamily, utf8OK, "Scan ID", doc.ScanID)
	kv(pdf, fontFamily, utf8OK, "Mode", doc.Mode)
	kv(pdf, fontFamily, utf8OK, "Target Root", doc.Target.Root)
	kv(pdf, fontFamily, utf8OK, "ESP", doc.Target.ESP)
	kv(pdf, fontFamily, utf8OK, "Runtime Context", doc.Target.Context)
	kv(pdf, fontFamily, utf8OK, "Live Target", fmt.Sprintf("%v", doc.Target.Live))
	kv(pdf, fontFamily, utf8OK, "Engine Version", doc.EngineVersion)
	kv(pdf, fontFamily, utf8OK, "Catalog Fingerprint", doc.CatalogFingerprint)
	kv(pdf, fontFamily, utf8OK, "Snapshot Incomplete", fmt.Sprintf("%v", doc.Snapshot.Incomplete))
	kv(pdf, fontFamily, utf8OK, "Evidence SHA-256", doc.Snapshot.EvidenceSHA256)
	pdf.Ln(2)

	// Narrative
	sectionTitle(pdf, fontFamily, "2. Narrative")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.MultiCell(0, 5, safeText(doc.Narrative, utf8OK), "", "L", false)
	pdf.Ln(2)

	// Safety
	sectionTitle(pdf, fontFamily, "3. Safety State")
	kv(pdf, fontFamily, utf8OK, "Live Target", fmt.Sprintf("%v", doc.Safety.LiveTarget))
	kv(pdf, fontFamily, utf8OK, "Encryption", doc.Safety.Encryption)
	if doc.Safety.TargetBuild > 0 {
		kv(pdf, fontFamily, utf8OK, "Builds", fmt.Sprintf("env %d / target %d", doc.Safety.EnvBuild, doc.Safety.TargetBuild))
	}
	for _, n := range doc.Safety.Notes {
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4.5, "- "+safeText(n, utf8OK), "", "L", false)
	}
	pdf.Ln(2)

	// Detections
	sectionTitle(pdf, fontFamily, "4. Detections")
	if len(doc.Detections) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(no signature matched)", "", "L", false)
	} else {
		for _, d := range doc.Detections {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("[%s] %s (conf=%.2f)",
				strings.ToUpper(string(d.Severity)),
				safeText(d.Title, utf8OK),
				d.Confidence,
			), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			pdf.MultiCell(0, 4.5, safeText(d.Description, utf8OK), "", "L", false)
			for _, k := range sortedEvidenceKeys(d.Evidence) {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("  %s: %s", k, safeText(d.Evidence[k], utf8OK)), "", "L", false)
			}
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	// Skipped rules
	if len(doc.SkippedRules) > 0 {
		sectionTitle(pdf, fontFamily, "5. Skipped Rules (evidence unavailable)")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		for _, s := range doc.SkippedRules {
			pdf.MultiCell(0, 4.5, fmt.Sprintf("- %s: %s", s.RuleID, safeText(s.Reason, utf8OK)), "", "L", false)
		}
		pdf.Ln(2)
	}

	// Plan + execution
	sectionTitle(pdf, fontFamily, "6. Remediation Plan & Execution")
	if len(doc.Plan) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(no action planned)", "", "L", false)
	} else {
		execBySeq := make(map[int]model.ExecutionRecord, len(doc.Execution))
		for _, r := range doc.Execution {
			execBySeq[r.Seq] = r
		}
		for _, pa := range doc.Plan {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			line := fmt.Sprintf("#%d %s (risk=%s)", pa.Seq, pa.Action.Kind, pa.Action.Risk)
			if r, ok := execBySeq[pa.Seq]; ok {
				line += fmt.Sprintf(" -> %s", r.Status)
			}
			pdf.MultiCell(0, 5, line, "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			if pa.Action.CommandText != "" {
				pdf.MultiCell(0, 4.5, "  cmd: "+safeText(pa.Action.CommandText, utf8OK), "", "L", false)
			}
			pdf.MultiCell(0, 4.5, "  why: "+safeText(pa.Action.Justification, utf8OK), "", "L", false)
			if r, ok := execBySeq[pa.Seq]; ok && r.Reason != "" {
				pdf.MultiCell(0, 4.5, "  note: "+safeText(r.Reason, utf8OK), "", "L", false)
			}
			pdf.Ln(1)
		}
	}

	// Warnings
	if len(doc.Warnings) > 0 {
		pdf.Ln(2)
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range doc.Warnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: This PDF is a read-only rendering of the canonical scan document. For the complete audit trail, use the support bundle export (manifest.json + hashes.sha256).", "", "L", false)

	return pdf, utf8OK
}

func sortedEvidenceKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(46, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	// gofpdf 的内置字体对 ASCII/Latin 表现最好；
	// 如果未成功加载 UTF-8 字体，则把非 ASCII 字符替换为 '?'，确保 PDF 一定能生成。
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 字符。
//
// 规则：
// 1) 如果设置了环境变量 BOOT_MEDIC_PDF_FONT，优先使用该文件路径。
// 2) 否则按常见系统字体路径探测（Windows/macOS/Linux）。
// 3) 加载失败则回退到核心字体（Helvetica），并通过 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("BOOT_MEDIC_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\simsun.ttc`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
			"/System/Library/Fonts/PingFang.ttc",
		)
	default:
		// Linux (best effort)
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		// 即使只有一个字体文件，这里也注册 B 样式，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			// bold 失败也不致命：清错后仍可用 regular
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
