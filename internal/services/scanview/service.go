package scanview

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
	"boot-medic/internal/domain/model"

	_ "modernc.org/sqlite"
)

// ScanView 是单次扫描的聚合查询结果。
type ScanView struct {
	Overview  *model.ScanOverview    `json:"overview,omitempty"`
	Snapshots []model.SnapshotInfo   `json:"snapshots"`
	Events    []model.ActionEventRow `json:"events"`
	Reports   []model.ReportInfo     `json:"reports"`
}

// DocumentView 是规范化文档展示查询结果。
type DocumentView struct {
	Overview      *model.ScanOverview `json:"overview,omitempty"`
	Report        *model.ReportInfo   `json:"report,omitempty"`
	Content       string              `json:"content,omitempty"`
	ContentLength int                 `json:"content_length,omitempty"`
}

func openDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return db, nil
}

// ListScans 查询扫描列表（用于 CLI query scans 与 Web 列表页）。
func ListScans(ctx context.Context, dbPath string, limit, offset int) ([]model.ScanOverview, error) {
	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return sqliteadapter.NewStore(db).ListScans(ctx, limit, offset)
}

// GetScanView 查询单次扫描的摘要、快照索引、审计链与报告索引。
func GetScanView(ctx context.Context, dbPath, scanID string) (*ScanView, error) {
	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

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
	events, err := store.ListActionEvents(ctx, scanID, 0)
	if err != nil {
		return nil, err
	}
	reports, err := store.ListReportsByScan(ctx, scanID)
	if err != nil {
		return nil, err
	}

	return &ScanView{
		Overview:  overview,
		Snapshots: snapshots,
		Events:    events,
		Reports:   reports,
	}, nil
}

// GetDocumentView 查询扫描的规范化文档索引与可选内容（用于 Web 文档页）。
func GetDocumentView(ctx context.Context, dbPath, scanID string, includeContent bool) (*DocumentView, error) {
	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	store := sqliteadapter.NewStore(db)
	overview, err := store.GetScanOverview(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if overview == nil {
		return nil, fmt.Errorf("scan not found: %s", scanID)
	}

	report, err := store.GetLatestReportByScan(ctx, scanID, model.ReportTypeScanDocument)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return &DocumentView{Overview: overview}, nil
	}

	out := &DocumentView{
		Overview: overview,
		Report:   report,
	}
	if includeContent {
		raw, err := os.ReadFile(report.FilePath)
		if err != nil {
			return nil, fmt.Errorf("read document file: %w", err)
		}
		out.Content = string(raw)
		out.ContentLength = len(raw)
	}
	return out, nil
}

// LoadDocument 读取并解析扫描的规范化文档（供 PDF/支持包生成复用）。
func LoadDocument(ctx context.Context, dbPath, scanID string) (model.ScanDocument, *model.ReportInfo, error) {
	var doc model.ScanDocument

	view, err := GetDocumentView(ctx, dbPath, scanID, true)
	if err != nil {
		return doc, nil, err
	}
	if view.Report == nil {
		return doc, nil, fmt.Errorf("scan %s has no canonical document on record", scanID)
	}
	if err := json.Unmarshal([]byte(view.Content), &doc); err != nil {
		return doc, nil, fmt.Errorf("parse scan document: %w", err)
	}
	return doc, view.Report, nil
}
