package webapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"boot-medic/internal/domain/model"
	"boot-medic/internal/services/auditverify"
	"boot-medic/internal/services/reportpdf"
	"boot-medic/internal/services/supportzip"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "webapp",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		offset := parseInt(r.URL.Query().Get("offset"), 0)

		rows, err := s.store.ListScans(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scans": rows})
	case http.MethodPost:
		// 发起后台扫描任务（仅预演，见 jobs.go）。
		s.handleJobStartScan(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScanRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/scans/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	scanID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleScanOverview(w, r, scanID)
	case "document":
		s.handleScanDocument(w, r, scanID)
	case "events":
		s.handleScanEvents(w, r, scanID)
	case "snapshots":
		s.handleScanSnapshots(w, r, scanID)
	case "reports":
		s.handleScanReports(w, r, scanID)
	case "verify":
		// /api/scans/{scan_id}/verify/{kind}
		//
		// - POST /api/scans/{scan_id}/verify/chain
		restParts := []string{}
		if len(parts) > 2 {
			restParts = parts[2:]
		}
		s.handleScanVerify(w, r, scanID, restParts)
	case "exports":
		// /api/scans/{scan_id}/exports/{kind}
		//
		// - POST /api/scans/{scan_id}/exports/pdf
		// - POST /api/scans/{scan_id}/exports/zip
		restParts := []string{}
		if len(parts) > 2 {
			restParts = parts[2:]
		}
		s.handleScanExports(w, r, scanID, restParts)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleScanOverview(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ov, err := s.store.GetScanOverview(r.Context(), scanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ov == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("scan not found: %s", scanID))
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// handleScanDocument 返回规范化扫描文档索引与可选内容。
// 文档是 JSON 文本，允许内联返回；PDF/ZIP 属于二进制产物，只能走 download。
func (s *Server) handleScanDocument(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	includeContent := parseBool(r.URL.Query().Get("content"), true)

	report, err := s.store.GetLatestReportByScan(r.Context(), scanID, model.ReportTypeScanDocument)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if report == nil {
		writeJSON(w, http.StatusOK, map[string]any{"report": nil})
		return
	}

	out := map[string]any{"report": report}
	if includeContent {
		raw, err := os.ReadFile(report.FilePath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out["content"] = string(raw)
		out["content_length"] = len(raw)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 500)
	rows, err := s.store.ListActionEvents(r.Context(), scanID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (s *Server) handleScanSnapshots(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.store.ListSnapshotsByScan(r.Context(), scanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": rows})
}

func (s *Server) handleScanReports(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.store.ListReportsByScan(r.Context(), scanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": rows})
}

func (s *Server) handleScanVerify(w http.ResponseWriter, r *http.Request, scanID string, parts []string) {
	if len(parts) < 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	kind := strings.TrimSpace(parts[0])
	switch kind {
	case "chain":
		s.handleScanVerifyChain(w, r, scanID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleScanVerifyChain 对扫描的 action_events 审计链做强校验：
// 重算每条 chain_hash，定位被改动/被删除的记录。
func (s *Server) handleScanVerifyChain(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	events, err := s.store.ListActionEvents(r.Context(), scanID, 5000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	res := auditverify.VerifyActionEvents(events)
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_id": scanID,
		"result":  res,
	})
}

// handleScanExports 负责导出产物生成入口（同步生成；PDF/ZIP 都在秒级完成）。
func (s *Server) handleScanExports(w http.ResponseWriter, r *http.Request, scanID string, parts []string) {
	if len(parts) < 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	kind := strings.TrimSpace(parts[0])

	switch kind {
	case "pdf":
		s.handleScanExportPDF(w, r, scanID)
	case "zip":
		s.handleScanExportZip(w, r, scanID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleScanExportPDF(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	type reqBody struct {
		Operator string `json:"operator,omitempty"`
		Note     string `json:"note,omitempty"`
	}
	var req reqBody
	_ = json.NewDecoder(r.Body).Decode(&req) // 允许空 body

	res, err := reportpdf.GenerateDiagnosisPDF(r.Context(), reportpdf.Options{
		ScanID:    scanID,
		DBPath:    s.opts.DBPath,
		ExportDir: s.opts.ExportDir,
		Operator:  strings.TrimSpace(req.Operator),
		Note:      strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"scan_id":    scanID,
		"report_id":  res.ReportID,
		"pdf_path":   res.PDFPath,
		"pdf_sha256": res.PDFSHA256,
		"warnings":   res.Warnings,
	})
}

func (s *Server) handleScanExportZip(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	type reqBody struct {
		Operator string `json:"operator,omitempty"`
		Note     string `json:"note,omitempty"`
		Privacy  bool   `json:"privacy,omitempty"`
	}
	var req reqBody
	_ = json.NewDecoder(r.Body).Decode(&req) // 允许空 body

	res, err := supportzip.GenerateSupportZip(r.Context(), supportzip.Options{
		ScanID:       scanID,
		DBPath:       s.opts.DBPath,
		EvidenceRoot: s.opts.EvidenceRoot,
		ActionLogDir: s.opts.ActionLogDir,
		CatalogPath:  s.opts.CatalogPath,
		ExportDir:    s.opts.ExportDir,
		Operator:     strings.TrimSpace(req.Operator),
		Note:         strings.TrimSpace(req.Note),
		Privacy:      req.Privacy,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"scan_id":    scanID,
		"report_id":  res.ReportID,
		"zip_path":   res.ZipPath,
		"zip_sha256": res.ZipSHA256,
		"privacy":    res.Privacy,
		"warnings":   res.Warnings,
	})
}

func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	rest = strings.Trim(rest, "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	reportID := parts[0]
	action := parts[1]
	if action != "download" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	info, err := s.store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("report not found: %s", reportID))
		return
	}
	serveFile(w, r, info.FilePath, "report_"+reportID)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
