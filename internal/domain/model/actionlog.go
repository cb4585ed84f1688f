package model

// 动作日志行首标记。标记词汇固定，便于人工检索与支持工单引用。
const (
	MarkScan         = "[SCAN]"
	MarkWouldExecute = "[WOULD-EXECUTE]"
	MarkExecuted     = "[EXECUTED]"
	MarkFailed       = "[FAILED]"
	MarkBlocked      = "[BLOCKED]"
	MarkSkipped      = "[SKIPPED]"
	MarkNoOp         = "[NO-OP]"
	MarkPrecondition = "[PRECONDITION]"
	MarkRefused      = "[REFUSED]"
)

// ActionLogEntry 是追加式动作日志的一行。
// 写入端按固定字段顺序渲染，不做任何递归展开；文件独立于 JSON 文档，
// 面向支持/审计人工阅读。
type ActionLogEntry struct {
	At      int64
	ScanID  string
	Mode    Intent
	Marker  string
	Action  ActionKind // 扫描级条目（开始/结束/拒绝）为空
	Risk    RiskTier
	Command string
	Note    string
}

// ExecStatus 是单个动作执行结论的固定词汇表。
type ExecStatus string

const (
	ExecWouldExecute  ExecStatus = "would_execute"
	ExecSuccess       ExecStatus = "success"
	ExecNoOp          ExecStatus = "noop"
	ExecWarning       ExecStatus = "warning"
	ExecFatal         ExecStatus = "fatal"
	ExecSafetyBlocked ExecStatus = "safety_blocked"
	ExecSkipped       ExecStatus = "skipped"
)

// ExecutionRecord 记录计划中单个动作的执行结论。
// 预演模式统一记 would_execute；致命失败后剩余动作记 skipped 并注明原因。
type ExecutionRecord struct {
	Seq        int        `json:"seq"`
	Action     ActionKind `json:"action"`
	Status     ExecStatus `json:"status"`
	ExitCode   int        `json:"exit_code"`
	Output     string     `json:"output,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  int64      `json:"started_at"`
	FinishedAt int64      `json:"finished_at"`
}
