package model

// Severity 是签名严重级别，词汇表固定为三档。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityRank 返回严重级别的排序权重，未知值按最低处理。
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ValidSeverity 校验严重级别取值是否在词汇表内。
func ValidSeverity(s Severity) bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// Detection 是单条签名命中的结果（值对象）。
//
// - RuleID 即目录代号，同目录内稳定且唯一
// - Evidence 为触发该条的证据字段副本，不持有对快照的引用
// - Confidence 只做同级之间的排序参考（序数），不是概率，不做阈值判断
// - Remediation 引用动作种类，由规划器查静态映射表展开
type Detection struct {
	RuleID      string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Confidence  float64           `json:"confidence"`
	Evidence    map[string]string `json:"evidence"`
	Remediation []ActionKind      `json:"remediation"`
}

// SkippedRule 记录一条因证据不可用而未能评估的签名。
// “没查到”和“查不了”必须可区分：跳过不等于排除。
type SkippedRule struct {
	RuleID string `json:"id"`
	Reason string `json:"reason"`
}
