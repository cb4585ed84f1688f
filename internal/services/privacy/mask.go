package privacy

import (
	"path/filepath"
	"regexp"
	"strings"

	"boot-medic/internal/domain/model"
)

var (
	// C:\Users\<账户>\... 形式的用户目录段。
	reUserProfile = regexp.MustCompile(`(?i)([a-z]:[\\/]users[\\/])[^\\/"']+`)
	// 常见账户环境变量展开残留（%USERPROFILE% 已展开后的兜底在上一条；这里处理 UNC）。
	reUNCUserPath = regexp.MustCompile(`(?i)(\\\\[^\\/]+[\\/][^\\/]+[\\/]users[\\/])[^\\/"']+`)
)

// MaskText 把文本里出现的用户目录账户段替换为占位。
// 展示层脱敏：数据库与证据原件不改，只在对外分享的副本上生效。
func MaskText(s string) string {
	if s == "" {
		return s
	}
	s = reUserProfile.ReplaceAllString(s, "${1}<masked>")
	s = reUNCUserPath.ReplaceAllString(s, "${1}<masked>")
	return s
}

// MaskPath 把绝对路径压缩为“文件名”形式，避免在对外材料中暴露账户名/目录结构。
func MaskPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// MaskDocument 生成规范化文档的脱敏副本（用于对外分享的支持包）。
//
// 处理范围：
// - 操作者名替换为占位
// - 证据摘录、计划命令、执行输出、叙事与警告中的用户目录段
// - 证据落盘路径压缩为文件名
func MaskDocument(doc model.ScanDocument) model.ScanDocument {
	doc.Target.Operator = "<masked>"
	doc.Snapshot.EvidencePath = MaskPath(doc.Snapshot.EvidencePath)

	detections := make([]model.Detection, len(doc.Detections))
	copy(detections, doc.Detections)
	for i := range detections {
		masked := make(map[string]string, len(detections[i].Evidence))
		for k, v := range detections[i].Evidence {
			masked[k] = MaskText(v)
		}
		detections[i].Evidence = masked
	}
	doc.Detections = detections

	plan := make([]model.PlannedAction, len(doc.Plan))
	copy(plan, doc.Plan)
	for i := range plan {
		plan[i].Action.CommandText = MaskText(plan[i].Action.CommandText)
		plan[i].Action.Justification = MaskText(plan[i].Action.Justification)
	}
	doc.Plan = plan

	execution := make([]model.ExecutionRecord, len(doc.Execution))
	copy(execution, doc.Execution)
	for i := range execution {
		execution[i].Output = MaskText(execution[i].Output)
		execution[i].Reason = MaskText(execution[i].Reason)
	}
	doc.Execution = execution

	doc.Narrative = MaskText(doc.Narrative)

	warnings := make([]string, len(doc.Warnings))
	for i, w := range doc.Warnings {
		warnings[i] = MaskText(w)
	}
	doc.Warnings = warnings

	return doc
}
