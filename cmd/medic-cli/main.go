package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"boot-medic/internal/adapters/catalog"
	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/app"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/services/diagnose"
	"boot-medic/internal/services/paritycheck"
	"boot-medic/internal/services/reportpdf"
	"boot-medic/internal/services/scanview"
	"boot-medic/internal/services/supportzip"
	"boot-medic/internal/services/webapp"

	"github.com/fatih/color"

	_ "modernc.org/sqlite"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码；
// scan/parity 另有结果语义退出码（0 正常、1 致命/阻断/锁竞争、2 无可用快照）。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "catalog":
		return runCatalog(ctx, args[1:])
	case "scan":
		return runScan(ctx, args[1:])
	case "parity":
		return runParity(ctx, args[1:])
	case "query":
		return runQuery(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}

	m := sqliteadapter.NewMigrator(db)
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	fmt.Printf("migrations applied successfully: db=%s\n", *dbPath)
	return nil
}

// runCatalog 是二级命令路由：catalog validate / catalog show。
func runCatalog(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCatalogUsage()
		return nil
	}

	switch args[0] {
	case "validate":
		return runCatalogValidate(ctx, args[1:])
	case "show":
		return runCatalogShow(ctx, args[1:])
	default:
		printCatalogUsage()
		return fmt.Errorf("unknown catalog command: %s", args[0])
	}
}

// runCatalogValidate 检查签名目录合法性，输出版本与文件哈希。
func runCatalogValidate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("catalog validate", flag.ContinueOnError)
	catalogPath := fs.String("catalog", cfg.CatalogPath, "signature catalog file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loaded, err := catalog.NewLoader(*catalogPath).Load(ctx)
	if err != nil {
		return err
	}

	fmt.Println("catalog validation passed")
	fmt.Printf("catalog: version=%s type=%s total=%d sha256=%s\n",
		loaded.Catalog.Version,
		loaded.Catalog.CatalogType,
		len(loaded.Catalog.Signatures),
		loaded.SHA256,
	)
	return nil
}

// runCatalogShow 列出签名目录的全部签名条目。
func runCatalogShow(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("catalog show", flag.ContinueOnError)
	catalogPath := fs.String("catalog", cfg.CatalogPath, "signature catalog file")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loaded, err := catalog.NewLoader(*catalogPath).Load(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(loaded.Catalog)
	}

	fmt.Printf("catalog version=%s total=%d sha256=%s\n", loaded.Catalog.Version, len(loaded.Catalog.Signatures), loaded.SHA256)
	for _, sig := range loaded.Catalog.Signatures {
		fmt.Printf("%-28s %s conf=%.2f actions=%s\n",
			sig.ID,
			severitySprint(sig.Severity),
			sig.Confidence,
			strings.Join(sig.Actions, ","),
		)
	}
	return nil
}

// runScan 执行诊断扫描全流程（采集 -> 匹配 -> 规划 -> 执行/预演 -> 文档）。
// 默认预演；--apply 实施修复，活动系统上还需 --confirm-live。
func runScan(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	targetRoot := fs.String("target", "", "target windows volume root, e.g. D:\\ (required)")
	esp := fs.String("esp", "", "EFI system partition mount point (optional)")
	apply := fs.Bool("apply", false, "apply the remediation plan (default: preview only)")
	confirmLive := fs.Bool("confirm-live", false, "confirm repair on the live/running system")
	overrideBuildCheck := fs.Bool("override-build-check", false, "acknowledge environment/target build gap")
	outPath := fs.String("out", "", "write canonical scan document to this path")
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	catalogPath := fs.String("catalog", cfg.CatalogPath, "signature catalog file")
	evidenceRoot := fs.String("evidence-dir", cfg.EvidenceRoot, "evidence output directory")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "scan note")
	verbose := fs.Bool("verbose", false, "print per-stage progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*targetRoot) == "" {
		return fmt.Errorf("--target is required")
	}

	var progress diagnose.ProgressFunc
	if *verbose {
		progress = func(stage string) {
			fmt.Printf("stage: %s\n", stage)
		}
	}

	res, err := diagnose.Run(ctx, diagnose.Options{
		TargetRoot:          strings.TrimSpace(*targetRoot),
		ESP:                 strings.TrimSpace(*esp),
		Apply:               *apply,
		ConfirmLiveRepair:   *confirmLive,
		AcknowledgeBuildGap: *overrideBuildCheck,
		DBPath:              *dbPath,
		CatalogPath:         *catalogPath,
		EvidenceRoot:        *evidenceRoot,
		Operator:            *operator,
		Note:                *note,
		OutPath:             strings.TrimSpace(*outPath),
		Progress:            progress,
	})
	if err != nil {
		return err
	}

	printScanResult(res)
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}

// printScanResult 输出扫描结论摘要：检出按严重级别着色，计划含风险与状态。
func printScanResult(res *diagnose.Result) {
	fmt.Printf("scan %s completed mode=%s outcome=%s\n", res.ScanID, res.Mode, res.Outcome)

	doc := res.Document
	if doc.Snapshot.Incomplete {
		color.Yellow("snapshot incomplete: %d probes unavailable", len(doc.Snapshot.Unavailable))
	}

	if len(doc.Detections) == 0 {
		fmt.Println("detections: none")
	} else {
		fmt.Printf("detections: %d\n", len(doc.Detections))
		for _, d := range doc.Detections {
			fmt.Printf("  %s %s conf=%.2f %s\n", severitySprint(d.Severity), d.RuleID, d.Confidence, d.Title)
		}
	}
	if len(doc.SkippedRules) > 0 {
		fmt.Printf("skipped rules: %d (evidence unavailable)\n", len(doc.SkippedRules))
	}

	if len(doc.Plan) > 0 {
		fmt.Printf("plan: %d actions\n", len(doc.Plan))
		execBySeq := make(map[int]model.ExecutionRecord, len(doc.Execution))
		for _, r := range doc.Execution {
			execBySeq[r.Seq] = r
		}
		for _, pa := range doc.Plan {
			status := string(pa.Status)
			if r, ok := execBySeq[pa.Seq]; ok {
				status = string(r.Status)
			}
			fmt.Printf("  #%-2d %-26s risk=%-9s %s\n", pa.Seq, pa.Action.Kind, pa.Action.Risk, statusSprint(status))
		}
	}

	for _, e := range doc.Errors {
		color.Red("error: %s: %s", e.Code, e.Message)
	}
	if len(doc.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(doc.Warnings, " | "))
	}
	if res.DocumentPath != "" {
		fmt.Printf("document=%s\n", res.DocumentPath)
	}
	fmt.Println(doc.Narrative)
}

// runParity 对同一目标连跑两次预演并比较归一化文档，验证诊断确定性。
func runParity(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("parity", flag.ContinueOnError)
	targetRoot := fs.String("target", "", "target windows volume root (required)")
	esp := fs.String("esp", "", "EFI system partition mount point (optional)")
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	catalogPath := fs.String("catalog", cfg.CatalogPath, "signature catalog file")
	operator := fs.String("operator", "system", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*targetRoot) == "" {
		return fmt.Errorf("--target is required")
	}

	res, err := paritycheck.Compare(ctx, func(c context.Context) (model.ScanDocument, error) {
		r, err := diagnose.Run(c, diagnose.Options{
			TargetRoot:  strings.TrimSpace(*targetRoot),
			ESP:         strings.TrimSpace(*esp),
			Apply:       false,
			DBPath:      *dbPath,
			CatalogPath: *catalogPath,
			Operator:    *operator,
			Note:        "parity check",
		})
		if err != nil {
			return model.ScanDocument{}, err
		}
		return r.Document, nil
	})
	if err != nil {
		return err
	}

	if res.Equal {
		color.Green("parity check passed: two preview runs produced identical normalized documents")
		return nil
	}
	color.Red("parity check failed: preview runs diverged")
	fmt.Println(res.Diff)
	os.Exit(1)
	return nil
}

// runQuery 是查询命令路由（扫描列表/单次扫描详情）。
func runQuery(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printQueryUsage()
		return nil
	}
	switch args[0] {
	case "scans":
		return runQueryScans(ctx, args[1:])
	case "scan":
		return runQueryScan(ctx, args[1:])
	default:
		printQueryUsage()
		return fmt.Errorf("unknown query command: %s", args[0])
	}
}

// runQueryScans 查询扫描列表。
func runQueryScans(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("query scans", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	limit := fs.Int("limit", 50, "max rows")
	offset := fs.Int("offset", 0, "row offset")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := scanview.ListScans(ctx, *dbPath, *limit, *offset)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(rows)
	}

	for _, r := range rows {
		fmt.Printf("%s mode=%s status=%s outcome=%s target=%s detections=%d critical=%d actions=%d\n",
			r.ScanID, r.Mode, r.Status, r.Outcome, r.TargetRoot, r.DetectionCount, r.CriticalCount, r.ActionCount)
	}
	return nil
}

// runQueryScan 查询单次扫描的摘要、快照索引、审计链与报告索引。
func runQueryScan(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("query scan", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	scanID := fs.String("scan-id", "", "scan id (required)")
	document := fs.Bool("document", false, "print the canonical scan document instead of the index view")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*scanID) == "" {
		return fmt.Errorf("--scan-id is required")
	}

	if *document {
		view, err := scanview.GetDocumentView(ctx, *dbPath, strings.TrimSpace(*scanID), true)
		if err != nil {
			return err
		}
		if view.Report == nil {
			fmt.Printf("scan_id=%s no canonical document on record\n", strings.TrimSpace(*scanID))
			return nil
		}
		fmt.Println(view.Content)
		return nil
	}

	view, err := scanview.GetScanView(ctx, *dbPath, strings.TrimSpace(*scanID))
	if err != nil {
		return err
	}
	return printJSON(view)
}

// runExport 是导出命令路由：诊断 PDF / 支持包 ZIP。
func runExport(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printExportUsage()
		return nil
	}
	switch args[0] {
	case "pdf":
		return runExportPDF(ctx, args[1:])
	case "zip":
		return runExportZip(ctx, args[1:])
	default:
		printExportUsage()
		return fmt.Errorf("unknown export command: %s", args[0])
	}
}

func runExportPDF(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("export pdf", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	scanID := fs.String("scan-id", "", "scan id (required)")
	outDir := fs.String("out-dir", "", "export output directory (optional)")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "export note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*scanID) == "" {
		return fmt.Errorf("--scan-id is required")
	}

	res, err := reportpdf.GenerateDiagnosisPDF(ctx, reportpdf.Options{
		ScanID:    strings.TrimSpace(*scanID),
		DBPath:    *dbPath,
		ExportDir: strings.TrimSpace(*outDir),
		Operator:  strings.TrimSpace(*operator),
		Note:      strings.TrimSpace(*note),
	})
	if err != nil {
		return err
	}

	fmt.Println("diagnosis pdf export completed")
	fmt.Printf("scan_id=%s report_id=%s\n", strings.TrimSpace(*scanID), res.ReportID)
	fmt.Printf("pdf=%s\n", res.PDFPath)
	fmt.Printf("pdf_sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

func runExportZip(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("export zip", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	scanID := fs.String("scan-id", "", "scan id (required)")
	evidenceRoot := fs.String("evidence-dir", cfg.EvidenceRoot, "evidence directory")
	actionLogDir := fs.String("actionlog-dir", cfg.ActionLogDir, "action log directory")
	catalogPath := fs.String("catalog", cfg.CatalogPath, "signature catalog file")
	outDir := fs.String("out-dir", "", "export output directory (optional)")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "export note")
	privacy := fs.Bool("privacy", false, "mask account names and user paths in the shared copies")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*scanID) == "" {
		return fmt.Errorf("--scan-id is required")
	}

	res, err := supportzip.GenerateSupportZip(ctx, supportzip.Options{
		ScanID:       strings.TrimSpace(*scanID),
		DBPath:       *dbPath,
		EvidenceRoot: *evidenceRoot,
		ActionLogDir: *actionLogDir,
		CatalogPath:  *catalogPath,
		ExportDir:    strings.TrimSpace(*outDir),
		Operator:     strings.TrimSpace(*operator),
		Note:         strings.TrimSpace(*note),
		Privacy:      *privacy,
	})
	if err != nil {
		return err
	}

	fmt.Println("support zip export completed")
	fmt.Printf("scan_id=%s report_id=%s privacy=%v\n", res.ScanID, res.ReportID, res.Privacy)
	fmt.Printf("zip=%s\n", res.ZipPath)
	fmt.Printf("zip_sha256=%s\n", res.ZipSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runServe 启动内置 Web API，便于技术员工位浏览扫描结果。
func runServe(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	catalogPath := fs.String("catalog", cfg.CatalogPath, "signature catalog file")
	evidenceRoot := fs.String("evidence-dir", cfg.EvidenceRoot, "evidence directory")
	actionLogDir := fs.String("actionlog-dir", cfg.ActionLogDir, "action log directory")
	exportDir := fs.String("export-dir", cfg.ExportDir, "export output directory")
	listen := fs.String("listen", "127.0.0.1:8787", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.Options{
		DBPath:       *dbPath,
		CatalogPath:  *catalogPath,
		EvidenceRoot: *evidenceRoot,
		ActionLogDir: *actionLogDir,
		ExportDir:    *exportDir,
		ListenAddr:   *listen,
	})
}

// severitySprint 按严重级别着色（critical 红 / warning 黄 / info 青）。
func severitySprint(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return color.RedString("[CRITICAL]")
	case model.SeverityWarning:
		return color.YellowString("[WARNING] ")
	default:
		return color.CyanString("[INFO]    ")
	}
}

// statusSprint 按执行结论着色。
func statusSprint(status string) string {
	switch status {
	case string(model.ExecFatal), string(model.ExecSafetyBlocked):
		return color.RedString(status)
	case string(model.ExecWarning), string(model.PlanStatusManual):
		return color.YellowString(status)
	case string(model.ExecSuccess):
		return color.GreenString(status)
	default:
		return status
	}
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  medic-cli migrate [--db data/medic.db]")
	fmt.Println("  medic-cli catalog validate [--catalog catalog/boot_signatures.yaml]")
	fmt.Println("  medic-cli catalog show [--catalog catalog/boot_signatures.yaml] [--json]")
	fmt.Println("  medic-cli scan --target D:\\ [--esp S:] [--apply] [--confirm-live] [--override-build-check] [--out doc.json]")
	fmt.Println("  medic-cli parity --target D:\\ [--esp S:]")
	fmt.Println("  medic-cli query scans [--db path] [--limit 50] [--json]")
	fmt.Println("  medic-cli query scan --scan-id SCAN_ID [--document]")
	fmt.Println("  medic-cli export pdf --scan-id SCAN_ID [--db path] [--out-dir path]")
	fmt.Println("  medic-cli export zip --scan-id SCAN_ID [--db path] [--privacy]")
	fmt.Println("  medic-cli verify chain --scan-id SCAN_ID [--db path]")
	fmt.Println("  medic-cli verify zip --zip PATH_TO_ZIP")
	fmt.Println("  medic-cli serve [--listen 127.0.0.1:8787] [--db data/medic.db]")
}

// printCatalogUsage 输出 catalog 子命令帮助。
func printCatalogUsage() {
	fmt.Println("Usage:")
	fmt.Println("  medic-cli catalog validate [--catalog path]")
	fmt.Println("  medic-cli catalog show [--catalog path] [--json]")
}

// printQueryUsage 输出 query 子命令帮助。
func printQueryUsage() {
	fmt.Println("Usage:")
	fmt.Println("  medic-cli query scans [--db path] [--limit 50] [--offset 0] [--json]")
	fmt.Println("  medic-cli query scan --scan-id id [--db path] [--document]")
}

func printExportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  medic-cli export pdf --scan-id SCAN_ID [--db path] [--out-dir path] [--operator name] [--note text]")
	fmt.Println("  medic-cli export zip --scan-id SCAN_ID [--db path] [--evidence-dir path] [--actionlog-dir path] [--catalog path] [--out-dir path] [--privacy]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
