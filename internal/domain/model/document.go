package model

// DocumentSchema 是规范化扫描文档的版本标识。
const DocumentSchema = "boot_medic.scan_document.v1"

// TargetSummary 是文档中的目标描述。
type TargetSummary struct {
	Root     string `json:"root"`
	ESP      string `json:"esp"`
	Context  string `json:"context"`
	Live     bool   `json:"live"`
	Operator string `json:"operator"`
}

// SnapshotSummary 是文档中的快照摘要：不内嵌完整快照，只给结论与失败探针。
type SnapshotSummary struct {
	CollectedAt    int64   `json:"collected_at"`
	Incomplete     bool    `json:"incomplete"`
	ProbeCount     int     `json:"probe_count"`
	Unavailable    []Probe `json:"unavailable"`
	EvidencePath   string  `json:"evidence_path"`
	EvidenceSHA256 string  `json:"evidence_sha256"`
}

// SafetySummary 是文档中的安全状态摘要。
type SafetySummary struct {
	LiveTarget  bool     `json:"live_target"`
	Encryption  string   `json:"encryption"`
	EnvBuild    int      `json:"env_build"`
	TargetBuild int      `json:"target_build"`
	Notes       []string `json:"notes"`
}

// DocumentError 是文档内的引擎级错误条目（锁竞争、无可用快照等）。
type DocumentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// 文档错误码。
const (
	ErrCodeLockContention   = "lock_contention"
	ErrCodeNoUsableSnapshot = "no_usable_snapshot"
)

// ScanDocument 是引擎唯一的规范化输出。
//
// 约定：
// - 结构体字段顺序即序列化顺序，所有渲染端（CLI / HTTP / PDF / ZIP）
//   消费同一份文档，不做各自的字段重排
// - 枚举词汇表固定（severity/risk/status 等）
// - 顶层集合字段始终输出 []，不输出 null
// - 挥发字段（scan_id、时间戳、证据落盘路径与哈希）由 Normalize 归零后
//   即可做跨调用字节级比较
type ScanDocument struct {
	Schema             string            `json:"schema"`
	EngineVersion      string            `json:"engine_version"`
	CatalogFingerprint string            `json:"catalog_fingerprint"`
	ScanID             string            `json:"scan_id"`
	GeneratedAt        int64             `json:"generated_at"`
	Mode               string            `json:"mode"`
	Target             TargetSummary     `json:"target"`
	Snapshot           SnapshotSummary   `json:"snapshot"`
	Detections         []Detection       `json:"detections"`
	SkippedRules       []SkippedRule     `json:"skipped_rules"`
	Safety             SafetySummary     `json:"safety"`
	Plan               []PlannedAction   `json:"plan"`
	Execution          []ExecutionRecord `json:"execution"`
	Narrative          string            `json:"narrative"`
	Errors             []DocumentError   `json:"errors"`
	Warnings           []string          `json:"warnings"`
}
