package webapp

import (
	"net/http"
	"strings"

	"boot-medic/internal/app"
)

// indexHTML 是内置状态页：不带前端构建产物，只给技术员一个
// 能确认服务在跑、能看到 API 入口的落点。浏览数据走 /api/*。
const indexHTML = `<!doctype html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>Boot Medic</title>
<style>
  body { font-family: ui-monospace, Menlo, Consolas, monospace; margin: 2rem auto; max-width: 42rem; color: #222; }
  h1 { font-size: 1.3rem; }
  code { background: #f2f2f2; padding: 0.1rem 0.3rem; border-radius: 3px; }
  li { margin: 0.35rem 0; }
  .ver { color: #888; font-size: 0.85rem; }
</style>
</head>
<body>
<h1>Boot Medic</h1>
<p class="ver">version {{VERSION}}</p>
<p>启动诊断与修复引擎的只读 Web 入口。实施修复请使用 CLI（需要显式确认）。</p>
<ul>
  <li><code>GET /healthz</code> 健康检查</li>
  <li><code>GET /api/meta</code> 引擎/数据库/签名目录元信息</li>
  <li><code>GET /api/catalog</code> 签名目录全文</li>
  <li><code>GET /api/scans</code> 扫描列表</li>
  <li><code>GET /api/scans/{scan_id}</code> 扫描摘要</li>
  <li><code>GET /api/scans/{scan_id}/document</code> 规范化扫描文档</li>
  <li><code>GET /api/scans/{scan_id}/events</code> 审计链</li>
  <li><code>POST /api/scans/{scan_id}/verify/chain</code> 审计链强校验</li>
  <li><code>POST /api/scans</code> 发起预演扫描（后台任务）</li>
  <li><code>GET /api/jobs</code> / <code>GET /api/jobs/{job_id}</code> 任务状态</li>
</ul>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(strings.Replace(indexHTML, "{{VERSION}}", app.Version, 1)))
}
