package diagnose

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/adapters/wincmd"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/services/paritycheck"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// mountedTarget 搭一棵除 WinRE 被禁用外全部健康的离线挂载树，
// 连同覆盖全部探针命令的脚本化 Runner。唯一命中的签名是 winre_disabled。
func mountedTarget(t *testing.T) (root, esp string, runner *wincmd.ScriptedRunner) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "winmount")
	esp = filepath.Join(base, "esp")

	sys32 := filepath.Join(root, "Windows", "System32")
	writeFile(t, filepath.Join(esp, "EFI", "Microsoft", "Boot", "bootmgfw.efi"), []byte("bootmgr"))
	writeFile(t, filepath.Join(esp, "EFI", "Microsoft", "Boot", "BCD"), []byte("bcdstore"))
	writeFile(t, filepath.Join(sys32, "winload.efi"), []byte("loader"))
	writeFile(t, filepath.Join(sys32, "ntoskrnl.exe"), []byte("kernel"))
	writeFile(t, filepath.Join(sys32, "hal.dll"), []byte("hal"))
	writeFile(t, filepath.Join(sys32, "config", "SYSTEM"), []byte("hive"))
	writeFile(t, filepath.Join(sys32, "config", "SOFTWARE"), []byte("hive"))
	writeFile(t, filepath.Join(sys32, "config", "RegBack", "SYSTEM"), []byte("hive"))
	if err := os.MkdirAll(filepath.Join(root, "Windows", "WinSxS"), 0o755); err != nil {
		t.Fatalf("winsxs: %v", err)
	}

	runner = &wincmd.ScriptedRunner{Fallback: &wincmd.Result{ExitCode: 1}}
	runner.Script(wincmd.Key("reg", "query", `HKLM\SYSTEM\CurrentControlSet\Control\MiniNT`), wincmd.Result{
		Stdout: `HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Control\MiniNT`,
	})
	runner.Script(wincmd.Key("fsutil", "fsinfo", "volumeinfo", esp), wincmd.Result{
		Stdout: "File System Name : FAT32\r\n",
	})
	store := filepath.Join(esp, "EFI", "Microsoft", "Boot", "BCD")
	runner.Script(wincmd.Key("bcdedit", "/store", store, "/enum", "all"), wincmd.Result{
		Stdout: "Windows Boot Manager\r\n" +
			"--------------------\r\n" +
			"identifier              {bootmgr}\r\n" +
			"device                  partition=S:\r\n" +
			"\r\n" +
			"Windows Boot Loader\r\n" +
			"-------------------\r\n" +
			"identifier              {default}\r\n" +
			"device                  partition=C:\r\n" +
			"path                    \\Windows\\system32\\winload.efi\r\n" +
			"osdevice                partition=C:\r\n",
	})
	runner.Script(wincmd.Key("manage-bde", "-status", root), wincmd.Result{
		Stdout: "    Conversion Status:    Fully Decrypted\r\n" +
			"    Protection Status:    Protection Off\r\n",
	})
	runner.Script(wincmd.Key("reg", "query", `HKLM\SOFTWARE\Microsoft\Windows NT\CurrentVersion`, "/v", "CurrentBuildNumber"), wincmd.Result{
		Stdout: `HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows NT\CurrentVersion` + "\r\n" +
			"    CurrentBuildNumber    REG_SZ    26100\r\n",
	})
	runner.Script(wincmd.Key("cmd", "/c", "ver"), wincmd.Result{
		Stdout: "Microsoft Windows [Version 10.0.26100.4652]\r\n",
	})
	runner.Script(wincmd.Key("reagentc", "/info", "/target", filepath.Join(root, "Windows")), wincmd.Result{
		Stdout: "    Windows RE status:         Disabled\r\n",
	})
	runner.Script(wincmd.Key("wevtutil", "qe", "System", "/q:*[System[(EventID=6008)]]", "/c:20", "/f:text"), wincmd.Result{})
	runner.Script(wincmd.Key("wevtutil", "qe", "System", "/q:*[System[Provider[@Name='disk'] and (EventID=7)]]", "/c:20", "/f:text"), wincmd.Result{})
	return root, esp, runner
}

func testOptions(t *testing.T, root, esp string, runner *wincmd.ScriptedRunner) Options {
	t.Helper()
	work := t.TempDir()
	return Options{
		TargetRoot:   root,
		ESP:          esp,
		DBPath:       filepath.Join(work, "db", "medic.db"),
		CatalogPath:  filepath.Join("..", "..", "..", "catalog", "boot_signatures.yaml"),
		EvidenceRoot: filepath.Join(work, "evidence"),
		ActionLogDir: filepath.Join(work, "logs"),
		LockDir:      filepath.Join(work, "locks"),
		BackupDir:    filepath.Join(work, "backups"),
		Operator:     "tech",
		Note:         "bench target",
		OutPath:      filepath.Join(work, "out", "scan.json"),
		Runner:       runner,
	}
}

func openStore(t *testing.T, dbPath string) *sqliteadapter.Store {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	return sqliteadapter.NewStore(db)
}

func TestRun_PreviewLifecycle(t *testing.T) {
	root, esp, runner := mountedTarget(t)
	opts := testOptions(t, root, esp, runner)

	var stages []string
	opts.Progress = func(stage string) { stages = append(stages, stage) }

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Mode != model.IntentPreview || res.Outcome != model.OutcomeOK || res.ExitCode != 0 {
		t.Fatalf("result=%+v", res)
	}
	if !strings.HasPrefix(res.ScanID, "scan") {
		t.Fatalf("scan id=%q", res.ScanID)
	}

	want := []string{"catalog", "collect", "match", "plan", "execute", "report"}
	if len(stages) != len(want) {
		t.Fatalf("stages=%v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stages=%v want %v", stages, want)
		}
	}

	doc := res.Document
	if len(doc.Detections) != 1 || doc.Detections[0].RuleID != "winre_disabled" {
		t.Fatalf("detections=%+v", doc.Detections)
	}
	if len(doc.Plan) != 1 || doc.Plan[0].Action.Kind != model.ActionEnableRecoveryEnv || doc.Plan[0].Status != model.PlanStatusPlanned {
		t.Fatalf("plan=%+v", doc.Plan)
	}
	if len(doc.Execution) != 1 || doc.Execution[0].Status != model.ExecWouldExecute {
		t.Fatalf("execution=%+v", doc.Execution)
	}
	if doc.Target.Root != root || doc.Snapshot.Incomplete {
		t.Fatalf("target=%+v snapshot=%+v", doc.Target, doc.Snapshot)
	}

	// 预演不得调起修复工具。
	if runner.Called("reagentc /enable") {
		t.Fatalf("preview invoked a repair tool: %v", runner.Calls)
	}

	// 证据与文档都落了盘并登记了报告索引。
	if _, err := os.Stat(doc.Snapshot.EvidencePath); err != nil {
		t.Fatalf("evidence file: %v", err)
	}
	if res.DocumentPath != opts.OutPath || res.ReportID == "" {
		t.Fatalf("document path=%q report id=%q", res.DocumentPath, res.ReportID)
	}
	if _, err := os.Stat(res.DocumentPath); err != nil {
		t.Fatalf("document file: %v", err)
	}

	s := openStore(t, opts.DBPath)
	ov, err := s.GetScanOverview(context.Background(), res.ScanID)
	if err != nil || ov == nil {
		t.Fatalf("overview=%+v err=%v", ov, err)
	}
	if ov.Status != model.ScanStatusCompleted || ov.Outcome != model.OutcomeOK {
		t.Fatalf("overview=%+v", ov)
	}
	if ov.DetectionCount != 1 || ov.ActionCount != 1 || ov.ExecutedCount != 0 || ov.ReportCount != 1 {
		t.Fatalf("counters=%+v", ov)
	}
}

func TestRun_PreviewIdempotent(t *testing.T) {
	root, esp, runner := mountedTarget(t)
	opts := testOptions(t, root, esp, runner)

	first, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	res, err := paritycheck.Diff(first.Document, second.Document)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !res.Equal {
		t.Fatalf("preview runs diverged:\n%s", res.Diff)
	}
}

func TestRun_ApplyExecutesAndLogs(t *testing.T) {
	root, esp, runner := mountedTarget(t)
	runner.Script(wincmd.Key("reagentc", "/enable", "/ostarget", filepath.Join(root, "Windows")), wincmd.Result{
		Stdout: "REAGENTC.EXE: Operation Successful.",
	})
	opts := testOptions(t, root, esp, runner)
	opts.Apply = true

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Mode != model.IntentApply || res.Outcome != model.OutcomeOK || res.ExitCode != 0 {
		t.Fatalf("result=%+v", res)
	}
	if len(res.Document.Execution) != 1 || res.Document.Execution[0].Status != model.ExecSuccess {
		t.Fatalf("execution=%+v", res.Document.Execution)
	}

	raw, err := os.ReadFile(filepath.Join(opts.ActionLogDir, "target_winmount.log"))
	if err != nil {
		t.Fatalf("action log: %v", err)
	}
	if !strings.Contains(string(raw), model.MarkExecuted) {
		t.Fatalf("executed marker missing:\n%s", raw)
	}

	// 执行完卷锁必须释放。
	locks, err := os.ReadDir(opts.LockDir)
	if err != nil {
		t.Fatalf("lock dir: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("lock not released: %v", locks)
	}

	s := openStore(t, opts.DBPath)
	ov, err := s.GetScanOverview(context.Background(), res.ScanID)
	if err != nil || ov == nil {
		t.Fatalf("overview=%+v err=%v", ov, err)
	}
	if ov.ExecutedCount != 1 {
		t.Fatalf("executed count=%d", ov.ExecutedCount)
	}
}

func TestRun_LateWarningsReachDocumentFile(t *testing.T) {
	root, esp, runner := mountedTarget(t)
	opts := testOptions(t, root, esp, runner)

	// 报告阶段把动作日志文件顶成目录，收尾那条日志追加必然失败，
	// 产生的告警晚于文档装配，但仍必须出现在落盘文档里。
	logPath := filepath.Join(opts.ActionLogDir, "target_winmount.log")
	opts.Progress = func(stage string) {
		if stage != "report" {
			return
		}
		if err := os.Remove(logPath); err != nil {
			t.Fatalf("remove action log: %v", err)
		}
		if err := os.Mkdir(logPath, 0o755); err != nil {
			t.Fatalf("block action log: %v", err)
		}
	}

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	found := false
	for _, w := range res.Document.Warnings {
		if strings.Contains(w, "action log append failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings=%v", res.Document.Warnings)
	}

	raw, err := os.ReadFile(opts.OutPath)
	if err != nil {
		t.Fatalf("document file: %v", err)
	}
	var onDisk model.ScanDocument
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("parse document: %v", err)
	}
	if len(onDisk.Warnings) != len(res.Document.Warnings) {
		t.Fatalf("on-disk warnings=%v result warnings=%v", onDisk.Warnings, res.Document.Warnings)
	}
	for i := range onDisk.Warnings {
		if onDisk.Warnings[i] != res.Document.Warnings[i] {
			t.Fatalf("on-disk warnings=%v result warnings=%v", onDisk.Warnings, res.Document.Warnings)
		}
	}
}

func TestRun_NoUsableSnapshot(t *testing.T) {
	_, esp, runner := mountedTarget(t)
	opts := testOptions(t, filepath.Join(t.TempDir(), "missing"), esp, runner)

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != model.OutcomeNoSnapshot || res.ExitCode != 2 {
		t.Fatalf("result=%+v", res)
	}
	if len(res.Document.Errors) != 1 || res.Document.Errors[0].Code != model.ErrCodeNoUsableSnapshot {
		t.Fatalf("errors=%+v", res.Document.Errors)
	}

	s := openStore(t, opts.DBPath)
	ov, err := s.GetScanOverview(context.Background(), res.ScanID)
	if err != nil || ov == nil || ov.Status != model.ScanStatusFailed {
		t.Fatalf("overview=%+v err=%v", ov, err)
	}
}

func TestRun_TargetRootRequired(t *testing.T) {
	if _, err := Run(context.Background(), Options{}); err == nil || !strings.Contains(err.Error(), "target root") {
		t.Fatalf("err=%v", err)
	}
}
