package webapp

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/app"

	_ "modernc.org/sqlite"
)

// Options 定义 Web API 服务启动参数。
// 目标：技术员工位内网使用，好用优先（默认不做鉴权）。
type Options struct {
	DBPath       string
	CatalogPath  string
	EvidenceRoot string
	ActionLogDir string
	LockDir      string
	BackupDir    string
	ExportDir    string

	ListenAddr string
}

// Run 启动内置 Web API：
// - 提供扫描列表、文档、审计链、报告浏览接口
// - 提供“发起扫描”后台任务接口（仅预演；实施修复必须走 CLI 的显式确认）
func Run(ctx context.Context, opts Options) error {
	defaults := app.DefaultConfig()
	if opts.DBPath == "" {
		opts.DBPath = defaults.DBPath
	}
	if opts.CatalogPath == "" {
		opts.CatalogPath = defaults.CatalogPath
	}
	if opts.EvidenceRoot == "" {
		opts.EvidenceRoot = defaults.EvidenceRoot
	}
	if opts.ActionLogDir == "" {
		opts.ActionLogDir = defaults.ActionLogDir
	}
	if opts.LockDir == "" {
		opts.LockDir = defaults.LockDir
	}
	if opts.BackupDir == "" {
		opts.BackupDir = defaults.BackupDir
	}
	if opts.ExportDir == "" {
		opts.ExportDir = defaults.ExportDir
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:8787"
	}

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(opts.EvidenceRoot, 0o755); err != nil {
		return fmt.Errorf("create evidence directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}

	migrator := sqliteadapter.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	s := &Server{
		opts:  opts,
		db:    db,
		store: sqliteadapter.NewStore(db),
		jobs:  newJobManager(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("webapp listening: http://%s\n", opts.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
