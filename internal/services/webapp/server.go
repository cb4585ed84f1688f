package webapp

import (
	"database/sql"
	"net/http"

	sqliteadapter "boot-medic/internal/adapters/store/sqlite"
)

// Server 是内置 Web API 的运行时对象。
type Server struct {
	opts  Options
	db    *sql.DB
	store *sqliteadapter.Store

	jobs *jobManager
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// 状态页（纯 HTML，不带前端构建产物）
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)

	// API
	mux.HandleFunc("/api/meta", s.handleMeta)
	mux.HandleFunc("/api/catalog", s.handleCatalog)
	mux.HandleFunc("/api/scans", s.handleScans)
	mux.HandleFunc("/api/scans/", s.handleScanRoutes)
	mux.HandleFunc("/api/reports/", s.handleReportRoutes)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)
}
