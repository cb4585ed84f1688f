package safety

import (
	"context"
	"fmt"

	"boot-medic/internal/adapters/target"
	"boot-medic/internal/adapters/wincmd"
	"boot-medic/internal/domain/model"
)

// StateFromSnapshot 从快照派生一份安全状态。
// 安全状态是短生命周期事实：每次评估前新取，从不落盘。
func StateFromSnapshot(s *model.Snapshot) model.SafetyState {
	st := model.SafetyState{
		Encryption: model.EncryptionUnknown,
	}
	if s == nil {
		return st
	}
	st.LiveTarget = s.LiveTarget
	st.LiveKnown = s.Context != model.RuntimeUnknown
	if s.Encryption.Probe.Collected() {
		st.Encryption = s.Encryption.Status
	}
	if s.Builds.Probe.Collected() && s.Builds.TargetBuild > 0 && s.Builds.EnvBuild > 0 {
		st.BuildsKnown = true
		st.TargetBuild = s.Builds.TargetBuild
		st.EnvBuild = s.Builds.EnvBuild
	}
	return st
}

// Gate 是安全闸门。对每个动作单独裁决，执行器在每个动作执行前重新评估，
// 不在计划开始时一次性裁决（状态会在计划执行中途变化，例如挂起 BitLocker 之后）。
type Gate struct {
	Intent model.Intent

	// ConfirmLiveRepair 是对“修当前正在运行的系统盘”的显式二次确认。
	// 没有它，活动目标上的高风险动作一律 Blocked——在自己脚下拆盘太容易翻车。
	ConfirmLiveRepair bool

	// AcknowledgeBuildGap 显式放行“恢复环境比目标系统旧”的场景。
	// 旧工具写新磁盘结构可能造成损坏，默认要求调用方确认。
	AcknowledgeBuildGap bool
}

// Evaluate 对单个动作裁决。
//
// 不可知状态按保守侧处理：
// - 活动与否不可知时，高风险动作按“活动目标”对待
// - 加密状态不可知时，需要离线写的动作保留挂起前置条件
func (g Gate) Evaluate(st model.SafetyState, kind model.ActionKind) model.GateDecision {
	if g.Intent == model.IntentPreview {
		// 预演不落任何变更，无条件放行。
		return model.GateDecision{State: model.GateClear}
	}

	d := model.GateDecision{State: model.GateClear}

	if kind.Risk() == model.RiskHigh {
		liveOrUnknown := st.LiveTarget || !st.LiveKnown
		if liveOrUnknown && !g.ConfirmLiveRepair {
			reason := "target is the currently booted OS; high-risk repair requires explicit live-repair confirmation"
			if !st.LiveKnown {
				reason = "cannot determine whether target is the running OS; high-risk repair requires explicit live-repair confirmation"
			}
			return model.GateDecision{State: model.GateBlocked, Reasons: []string{reason}}
		}
	}

	if kind.RequiresEncryptionSuspend() {
		switch st.Encryption {
		case model.EncryptionOn, model.EncryptionUnknown:
			d.State = model.GateRequiresPrecondition
			d.Preconditions = append(d.Preconditions, model.PrecondSuspendEncryption)
			d.Reasons = append(d.Reasons, fmt.Sprintf("encryption status %s: offline writes require BitLocker suspension", st.Encryption))
		}
	}

	if kind.Destructive() && st.BuildsKnown && st.EnvBuild < st.TargetBuild {
		if !g.AcknowledgeBuildGap {
			d.State = model.GateRequiresPrecondition
			d.Preconditions = append(d.Preconditions, model.PrecondAcknowledgeBuildGap)
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"recovery environment build %d is older than target build %d; explicit override required",
				st.EnvBuild, st.TargetBuild))
		} else {
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"build gap acknowledged by caller (env %d < target %d)", st.EnvBuild, st.TargetBuild))
		}
	}

	return d
}

// EncryptionProbe 在执行期重查目标卷的 BitLocker 状态。
// 闸门不信任陈旧标志：挂起动作执行后必须重探再裁决。
type EncryptionProbe struct {
	Volume string
	Run    wincmd.Runner
}

// Status 发起一次新的 manage-bde 查询。查询失败按 unknown 处理（保守侧）。
func (p EncryptionProbe) Status(ctx context.Context) model.EncryptionStatus {
	if p.Run == nil || p.Volume == "" {
		return model.EncryptionUnknown
	}
	res, err := p.Run.Run(ctx, "manage-bde", "-status", p.Volume)
	if err != nil || res.ExitCode != 0 {
		return model.EncryptionUnknown
	}
	status, _, _ := target.ParseEncryptionStatus(res.Combined())
	return status
}

// Notes 把安全状态浓缩为报告用的说明行。
func Notes(st model.SafetyState, g Gate) []string {
	notes := []string{}
	if st.LiveTarget {
		notes = append(notes, "target is the currently booted OS instance")
		if g.ConfirmLiveRepair {
			notes = append(notes, "live-repair explicitly confirmed by caller")
		}
	} else if !st.LiveKnown {
		notes = append(notes, "runtime context unknown; high-risk actions treated as live-target")
	}
	switch st.Encryption {
	case model.EncryptionOn:
		notes = append(notes, "target volume is BitLocker-protected; offline writes require suspension")
	case model.EncryptionSuspended:
		notes = append(notes, "BitLocker protection is suspended")
	case model.EncryptionUnknown:
		notes = append(notes, "encryption status unknown; treated as protected")
	}
	if st.BuildsKnown && st.EnvBuild < st.TargetBuild {
		notes = append(notes, fmt.Sprintf("environment build %d older than target build %d", st.EnvBuild, st.TargetBuild))
	}
	return notes
}
