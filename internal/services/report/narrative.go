package report

import (
	"fmt"
	"strings"

	"boot-medic/internal/domain/model"
)

// Narrative 把命中与计划浓缩成几句因果描述。
// 纯函数：同一输入产出同一文本，不掺时间与随机成分。
// 文本面向支持人员与报告阅读者，按严重级别从主因讲到旁证。
func Narrative(snap *model.Snapshot, detections []model.Detection, plan []model.PlannedAction) string {
	if snap == nil {
		return "No usable evidence snapshot could be collected from the target; diagnosis did not run."
	}
	if len(detections) == 0 {
		return fmt.Sprintf(
			"No known boot failure signature matched the evidence collected from %s. "+
				"The boot-critical configuration appears consistent; if the machine still fails to boot, "+
				"the cause is outside the signature catalog's coverage.", snap.TargetRoot)
	}

	var b strings.Builder

	// 检出已按严重级别降序排序，首条即主因。
	primary := detections[0]
	fmt.Fprintf(&b, "Primary finding: %s (%s, confidence %.2f). %s",
		primary.Title, primary.Severity, primary.Confidence, primary.Description)

	var critical, warning, info int
	for _, d := range detections {
		switch d.Severity {
		case model.SeverityCritical:
			critical++
		case model.SeverityWarning:
			warning++
		default:
			info++
		}
	}
	if len(detections) > 1 {
		rest := make([]string, 0, len(detections)-1)
		for _, d := range detections[1:] {
			rest = append(rest, d.RuleID)
		}
		fmt.Fprintf(&b, " %d additional signature(s) matched: %s.", len(rest), strings.Join(rest, ", "))
	}
	fmt.Fprintf(&b, " Severity breakdown: %d critical, %d warning, %d informational.", critical, warning, info)

	if snap.Incomplete {
		unavailable := snap.UnavailableProbes()
		names := make([]string, 0, len(unavailable))
		for _, p := range unavailable {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, " Evidence collection was incomplete (%s unavailable); absent signatures in those areas are unverified, not ruled out.",
			strings.Join(names, ", "))
	}

	planned, manual := 0, 0
	for _, pa := range plan {
		if pa.Status == model.PlanStatusManual {
			manual++
		} else {
			planned++
		}
	}
	switch {
	case planned == 0 && manual == 0:
		b.WriteString(" No remediation was planned.")
	case manual == 0:
		fmt.Fprintf(&b, " The remediation plan contains %d action(s); backups are taken before any destructive change.", planned)
	default:
		fmt.Fprintf(&b, " The remediation plan contains %d automatic action(s) and %d item(s) requiring manual intervention.", planned, manual)
	}

	return b.String()
}
