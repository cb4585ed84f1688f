package supportzip

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/app"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/platform/hash"
	"boot-medic/internal/services/execute"
	"boot-medic/internal/services/privacy"
	"boot-medic/internal/services/report"

	_ "modernc.org/sqlite"
)

// 支持包（support_zip）
//
// 设计目标：
// - 把一次扫描的“规范化文档 + 证据快照 + 动作日志 + 签名目录 + 清单(manifest) + hash 列表”
//   打包到一个 ZIP，供远程支持人员复核
// - --privacy 模式下对外分享副本做脱敏（账户目录段、操作者名）；数据库与本机原件不改
type Options struct {
	ScanID string

	// DBPath 用于读取扫描索引；默认取 app.DefaultConfig()。
	DBPath string

	EvidenceRoot string
	ActionLogDir string
	CatalogPath  string

	// ExportDir 可选：显式指定导出目录（默认 db 同级目录下 exports/）。
	ExportDir string

	Operator string
	Note     string

	// Privacy 为 true 时对 ZIP 内副本做脱敏处理。
	Privacy bool
}

type FileHashEntry struct {
	Path      string `json:"path"`       // ZIP 内路径（使用 "/" 分隔）
	SHA256    string `json:"sha256"`     // 文件内容 SHA-256
	SizeBytes int64  `json:"size_bytes"` // 写入字节数（脱敏后）
	Kind      string `json:"kind"`       // document|evidence|actionlog|catalog|report|manifest
}

type ManifestReport struct {
	Report  model.ReportInfo `json:"report"`
	ZipPath string           `json:"zip_path,omitempty"`
}

type Manifest struct {
	Schema      string `json:"schema"`
	GeneratedAt int64  `json:"generated_at"`
	Privacy     bool   `json:"privacy"`

	App struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	} `json:"app"`

	Scan      *model.ScanOverview    `json:"scan"`
	Snapshots []model.SnapshotInfo   `json:"snapshots"`
	Events    []model.ActionEventRow `json:"events"`
	Reports   []ManifestReport       `json:"reports"`
	Files     []FileHashEntry        `json:"files"`
	Warnings  []string               `json:"warnings,omitempty"`
	Note      string                 `json:"note,omitempty"`
	Stats     map[string]any         `json:"stats,omitempty"`
}

// Result 是一次支持包导出的摘要输出。
type Result struct {
	ScanID     string   `json:"scan_id"`
	ReportID   string   `json:"report_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Privacy    bool     `json:"privacy"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

const (
	manifestSchemaV1 = "boot_medic.support_bundle_manifest.v1"
	zipGeneratorVer  = "support-zip-0.1.0"
)

// GenerateSupportZip 生成支持包并在 reports 表中登记为 report_type=support_zip。
//
// ZIP 内容（v1）：
// - manifest.json：扫描摘要/快照索引/审计链/报告索引的结构化清单
// - hashes.sha256：ZIP 内各文件（除自身）sha256 列表（sha256sum 兼容格式）
// - document.json：规范化扫描文档（--privacy 时为脱敏副本）
// - evidence/..：证据快照文件
// - actionlog/..：目标卷动作日志
// - catalog/..：本次扫描使用的签名目录文件
func GenerateSupportZip(ctx context.Context, opts Options) (*Result, error) {
	startedAt := time.Now().Unix()

	scanID := strings.TrimSpace(opts.ScanID)
	if scanID == "" {
		return nil, fmt.Errorf("scan_id is required")
	}

	cfg := app.DefaultConfig()
	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	evidenceRoot := strings.TrimSpace(opts.EvidenceRoot)
	if evidenceRoot == "" {
		evidenceRoot = cfg.EvidenceRoot
	}
	actionLogDir := strings.TrimSpace(opts.ActionLogDir)
	if actionLogDir == "" {
		actionLogDir = cfg.ActionLogDir
	}
	catalogPath := strings.TrimSpace(opts.CatalogPath)
	if catalogPath == "" {
		catalogPath = cfg.CatalogPath
	}
	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		exportDir = filepath.Join(filepath.Dir(dbPath), "exports")
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
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
	store := sqliteadapter.NewStore(db)

	overview, err := store.GetScanOverview(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if overview == nil {
		return nil, fmt.Errorf("scan not found: %s", scanID)
	}

	snapshots, err := store.ListSnapshotsByScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	events, err := store.ListActionEvents(ctx, scanID, 5000)
	if err != nil {
		return nil, err
	}
	allReports, err := store.ListReportsByScan(ctx, scanID)
	if err != nil {
		return nil, err
	}

	var warnings []string

	// --- 开始写 ZIP ---
	zipName := fmt.Sprintf("%s_support_%d.zip", scanID, time.Now().Unix())
	zipPath := filepath.Join(exportDir, zipName)
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	var fileHashes []FileHashEntry

	addBytes := func(zipFile string, b []byte, kind string) error {
		sum, size, err := writeZipFileFromBytes(zw, zipFile, b)
		if err != nil {
			return fmt.Errorf("write %s to zip: %w", zipFile, err)
		}
		fileHashes = append(fileHashes, FileHashEntry{
			Path:      zipFile,
			SHA256:    sum,
			SizeBytes: size,
			Kind:      kind,
		})
		return nil
	}
	addDiskFile := func(srcPath, zipFile, kind string) {
		if strings.TrimSpace(srcPath) == "" || strings.TrimSpace(zipFile) == "" {
			return
		}
		select {
		case <-ctx.Done():
			warnings = append(warnings, "context cancelled")
			return
		default:
		}

		// 脱敏模式下磁盘文件先读进内存做文本替换再写入。
		if opts.Privacy {
			raw, err := os.ReadFile(srcPath)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("skip file %s -> %s: %v", srcPath, zipFile, err))
				return
			}
			if err := addBytes(zipFile, []byte(privacy.MaskText(string(raw))), kind); err != nil {
				warnings = append(warnings, err.Error())
			}
			return
		}

		sum, size, err := writeZipFileFromDisk(zw, srcPath, zipFile)
		if err != nil {
			// best-effort：缺失文件不阻断导出，但必须在 manifest 里留下痕迹。
			warnings = append(warnings, fmt.Sprintf("skip file %s -> %s: %v", srcPath, zipFile, err))
			return
		}
		fileHashes = append(fileHashes, FileHashEntry{
			Path:      zipFile,
			SHA256:    sum,
			SizeBytes: size,
			Kind:      kind,
		})
	}

	// document.json：取最新的规范化文档，脱敏模式下重编码脱敏副本。
	docReport, err := store.GetLatestReportByScan(ctx, scanID, model.ReportTypeScanDocument)
	if err != nil {
		return nil, err
	}
	if docReport == nil {
		warnings = append(warnings, "scan has no canonical document on record")
	} else {
		raw, err := os.ReadFile(docReport.FilePath)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("read document file: %v", err))
		} else if opts.Privacy {
			var doc model.ScanDocument
			if err := json.Unmarshal(raw, &doc); err != nil {
				warnings = append(warnings, fmt.Sprintf("parse document for masking: %v", err))
			} else {
				masked, err := report.Encode(privacy.MaskDocument(doc))
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("encode masked document: %v", err))
				} else if err := addBytes("document.json", masked, "document"); err != nil {
					return nil, err
				}
			}
		} else {
			if err := addBytes("document.json", raw, "document"); err != nil {
				return nil, err
			}
		}
	}

	// evidence snapshots
	evidenceBaseAbs := mustAbs(evidenceRoot)
	for _, s := range snapshots {
		src := strings.TrimSpace(s.EvidencePath)
		if src == "" {
			warnings = append(warnings, fmt.Sprintf("snapshot %s evidence_path empty", s.SnapshotID))
			continue
		}
		rel := safeRel(evidenceBaseAbs, mustAbs(src))
		if rel == "" {
			rel = filepath.Base(src)
		}
		addDiskFile(src, filepath.ToSlash(filepath.Join("evidence", rel)), "evidence")
	}

	// 目标卷动作日志（文件名由目标根路径推导，与执行器写入的一致）。
	logFile := filepath.Join(actionLogDir, fmt.Sprintf("target_%s.log", execute.VolumeKey(overview.TargetRoot)))
	addDiskFile(logFile, filepath.ToSlash(filepath.Join("actionlog", filepath.Base(logFile))), "actionlog")

	// 签名目录（可追溯：把本次识别用的目录文件一并带走）。
	addDiskFile(catalogPath, filepath.ToSlash(filepath.Join("catalog", filepath.Base(catalogPath))), "catalog")

	// 其他报告产物（PDF 等；跳过 support_zip 自身避免递归打包）。
	manifestReports := make([]ManifestReport, 0, len(allReports))
	for _, r := range allReports {
		if strings.TrimSpace(r.ReportType) == model.ReportTypeSupportZip {
			continue
		}
		mr := ManifestReport{Report: r}
		src := strings.TrimSpace(r.FilePath)
		// 规范化文档已作为 document.json 打包，这里只收录索引。
		if src != "" && r.ReportType != model.ReportTypeScanDocument && !opts.Privacy {
			zipFile := filepath.ToSlash(filepath.Join("reports", filepath.Base(src)))
			addDiskFile(src, zipFile, "report")
			mr.ZipPath = zipFile
		}
		manifestReports = append(manifestReports, mr)
	}

	// manifest.json（先写入，再把它的 hash 也记录进 hashes.sha256）
	manifestScan := overview
	manifestEvents := events
	if opts.Privacy {
		cp := *overview
		cp.Operator = "<masked>"
		cp.Note = privacy.MaskText(cp.Note)
		manifestScan = &cp

		manifestEvents = make([]model.ActionEventRow, len(events))
		copy(manifestEvents, events)
		for i := range manifestEvents {
			manifestEvents[i].Command = privacy.MaskText(manifestEvents[i].Command)
			manifestEvents[i].Note = privacy.MaskText(manifestEvents[i].Note)
		}
	}

	manifest := Manifest{
		Schema:      manifestSchemaV1,
		GeneratedAt: time.Now().Unix(),
		Privacy:     opts.Privacy,
		Scan:        manifestScan,
		Snapshots:   snapshots,
		Events:      manifestEvents,
		Reports:     manifestReports,
		Warnings:    warnings,
		Note:        strings.TrimSpace(opts.Note),
		Stats: map[string]any{
			"snapshot_count": len(snapshots),
			"event_count":    len(events),
			"report_count":   len(allReports),
		},
	}
	manifest.App.Version = app.Version
	manifest.App.Commit = app.Commit
	manifest.App.BuildTime = app.BuildTime

	// 排序：让 manifest 与 hashes.sha256 尽量稳定（便于对比）。
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	manifest.Files = fileHashes

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := addBytes("manifest.json", manifestRaw, "manifest"); err != nil {
		return nil, err
	}

	// hashes.sha256（sha256sum 兼容格式，默认不包含自身）
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	hashLines := make([]string, 0, len(fileHashes)+4)
	hashLines = append(hashLines, "# boot-medic support bundle hash list")
	hashLines = append(hashLines, fmt.Sprintf("# generated_at=%d", time.Now().Unix()))
	hashLines = append(hashLines, "# format: <sha256><two spaces><path>")
	for _, fh := range fileHashes {
		hashLines = append(hashLines, fmt.Sprintf("%s  %s", fh.SHA256, fh.Path))
	}
	hashLines = append(hashLines, "")
	hashRaw := []byte(strings.Join(hashLines, "\n"))
	if _, _, err := writeZipFileFromBytes(zw, "hashes.sha256", hashRaw); err != nil {
		return nil, fmt.Errorf("write hashes.sha256 to zip: %w", err)
	}

	// flush/close zip
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	reportID, err := store.SaveReport(ctx, scanID, model.ReportTypeSupportZip, zipPath, zipSum, zipGeneratorVer, "ready")
	if err != nil {
		return nil, err
	}

	return &Result{
		ScanID:     scanID,
		ReportID:   reportID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Privacy:    opts.Privacy,
		Warnings:   warnings,
		StartedAt:  startedAt,
		FinishedAt: time.Now().Unix(),
	}, nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// safeRel 返回 target 相对 base 的相对路径；如果无法计算（不同盘符/不在 base 下）则返回空字符串。
func safeRel(baseAbs, targetAbs string) string {
	if baseAbs == "" || targetAbs == "" {
		return ""
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return ""
	}
	rel = filepath.Clean(rel)
	if rel == "." || strings.HasPrefix(rel, "..") || strings.HasPrefix(rel, string(filepath.Separator)+"..") {
		return ""
	}
	return rel
}

func writeZipFileFromDisk(zw *zip.Writer, srcPath, zipFile string) (sum string, size int64, err error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("is a directory")
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return "", 0, err
	}
	hdr.Name = zipFile
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func writeZipFileFromBytes(zw *zip.Writer, zipFile string, b []byte) (sum string, size int64, err error) {
	hdr := &zip.FileHeader{
		Name:     zipFile,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
