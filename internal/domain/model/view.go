package model

// 扫描会话状态（scans 表 status 列）。
const (
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"
)

// 扫描结局（scans 表 outcome 列），与 CLI 退出码对应。
const (
	OutcomeOK             = "ok"
	OutcomeFatal          = "fatal"
	OutcomeBlocked        = "blocked"
	OutcomeLockContention = "lock_contention"
	OutcomeNoSnapshot     = "no_snapshot"
)

// ScanOverview 是扫描会话摘要，供 CLI query 与 Web 列表页展示。
type ScanOverview struct {
	ScanID             string `json:"scan_id"`
	TargetRoot         string `json:"target_root"`
	ESP                string `json:"esp"`
	Mode               string `json:"mode"`
	Status             string `json:"status"`
	Outcome            string `json:"outcome,omitempty"`
	Operator           string `json:"operator,omitempty"`
	Note               string `json:"note,omitempty"`
	EngineVersion      string `json:"engine_version"`
	CatalogFingerprint string `json:"catalog_fingerprint,omitempty"`
	StartedAt          int64  `json:"started_at"`
	FinishedAt         int64  `json:"finished_at"`
	DetectionCount     int    `json:"detection_count"`
	CriticalCount      int    `json:"critical_count"`
	ActionCount        int    `json:"action_count"`
	ExecutedCount      int    `json:"executed_count"`
	ReportCount        int    `json:"report_count"`
}

// ActionEventRow 是 action_events 审计链的一行。
// chain_hash = SHA256(上一行哈希 + 本行关键字段)，成链防篡改。
type ActionEventRow struct {
	EventID    string `json:"event_id"`
	ScanID     string `json:"scan_id"`
	OccurredAt int64  `json:"occurred_at"`
	Mode       string `json:"mode"`
	Marker     string `json:"marker"`
	Action     string `json:"action,omitempty"`
	Command    string `json:"command,omitempty"`
	Note       string `json:"note,omitempty"`

	ChainPrevHash string `json:"chain_prev_hash,omitempty"`
	ChainHash     string `json:"chain_hash"`
}

// 报告产物类型（reports 表 report_type 列）。
const (
	ReportTypeScanDocument = "scan_document"
	ReportTypeDiagnosisPDF = "diagnosis_pdf"
	ReportTypeSupportZip   = "support_zip"
)

// ReportInfo 表示报告产物索引信息（reports 表）。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	ScanID           string `json:"scan_id"`
	ReportType       string `json:"report_type"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"`
}

// SnapshotInfo 表示快照证据文件索引（snapshots 表）。
type SnapshotInfo struct {
	SnapshotID       string `json:"snapshot_id"`
	ScanID           string `json:"scan_id"`
	EvidencePath     string `json:"evidence_path"`
	SHA256           string `json:"sha256"`
	SizeBytes        int64  `json:"size_bytes"`
	Incomplete       bool   `json:"incomplete"`
	ProbeCount       int    `json:"probe_count"`
	UnavailableCount int    `json:"unavailable_count"`
	CollectedAt      int64  `json:"collected_at"`
}
