package webapp

import (
	"net/http"
	"time"

	"boot-medic/internal/adapters/catalog"
	"boot-medic/internal/app"
)

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemaVersion, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_version")
	schemaName, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_name")

	loaded, err := catalog.NewLoader(s.opts.CatalogPath).Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
			"schema_name":    schemaName,
			"path":           s.opts.DBPath,
		},
		"catalog": map[string]any{
			"path":    loaded.Path,
			"version": loaded.Catalog.Version,
			"total":   len(loaded.Catalog.Signatures),
			"sha256":  loaded.SHA256,
		},
	})
}

// handleCatalog 返回签名目录全文（技术员排查“为什么没检出”用）。
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	loaded, err := catalog.NewLoader(s.opts.CatalogPath).Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    loaded.Path,
		"sha256":  loaded.SHA256,
		"catalog": loaded.Catalog,
	})
}
