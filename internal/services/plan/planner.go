package plan

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"boot-medic/internal/domain/model"
)

// Planner 把检出映射为有序、幂等的修复计划。
// 检出 → 动作的映射表在签名目录里（随目录版本化）；这里的逻辑只有排序与去重：
// - 备份动作只插一次，且排在任何破坏性动作之前
// - 前置动作（挂 ESP、挂起加密）拓扑排序在依赖者之前
// - 相同动作只出现一次，理由合并全部来源规则
// - 无映射动作的检出显式占位“需人工介入”，绝不静默丢弃
type Planner struct {
	BackupDir string
}

// 这些动作依赖 ESP 可达；快照显示 ESP 不可达时，规划器自动前插 mount_esp。
var espDependent = map[model.ActionKind]struct{}{
	model.ActionExportBCDStore:   {},
	model.ActionBindBCDDevice:    {},
	model.ActionBindBCDOSDevice:  {},
	model.ActionRepairLoaderPath: {},
	model.ActionClearTestSigning: {},
	model.ActionFormatESPFat32:   {},
	model.ActionRebuildBCDStore:  {},
}

type pendingEntry struct {
	action     model.Action
	sources    map[string]struct{}
	noOp       bool
	noOpReason string
	manualNote string // 非空表示人工占位
}

// Build 生成计划。备份文件名是确定性的（不带时间戳），
// 这样同一目标的两次 preview 产出字节一致的计划，满足预演幂等。
func (p *Planner) Build(snap *model.Snapshot, detections []model.Detection, st model.SafetyState) []model.PlannedAction {
	entries := map[string]*pendingEntry{}
	var manuals []*pendingEntry

	add := func(a model.Action, ruleID string, noOp bool, noOpReason string) {
		key := a.Key()
		e, ok := entries[key]
		if !ok {
			e = &pendingEntry{action: a, sources: map[string]struct{}{}, noOp: noOp, noOpReason: noOpReason}
			entries[key] = e
		}
		if ruleID != "" {
			e.sources[ruleID] = struct{}{}
		}
	}
	addManual := func(ruleID, note string) {
		e := &pendingEntry{
			action:     model.NewManualIntervention(ruleID, note),
			sources:    map[string]struct{}{ruleID: {}},
			manualNote: note,
		}
		manuals = append(manuals, e)
	}

	for _, d := range detections {
		if len(d.Remediation) == 0 {
			addManual(d.RuleID, "no remediation mapped in catalog")
			continue
		}
		for _, kind := range d.Remediation {
			a, noOp, noOpReason, err := p.buildAction(kind, snap, d)
			if err != nil {
				// 映射存在但当前快照凑不齐参数，同样按目录漂移占位，不静默丢。
				addManual(d.RuleID, fmt.Sprintf("%s: %v", kind, err))
				continue
			}
			add(a, d.RuleID, noOp, noOpReason)
		}
	}

	// 备份前插：取全部已计划破坏性动作声明的备份需求的并集，每种只插一次。
	needBackups := map[model.ActionKind]struct{}{}
	needESP := false
	needSuspend := false
	for _, e := range entries {
		for _, b := range e.action.Kind.BackupKinds() {
			needBackups[b] = struct{}{}
		}
		if _, dep := espDependent[e.action.Kind]; dep && !snap.ESP.Reachable {
			needESP = true
		}
		if e.action.Kind.RequiresEncryptionSuspend() {
			needSuspend = true
		}
	}
	for kind := range needBackups {
		a, noOp, noOpReason, err := p.buildAction(kind, snap, model.Detection{})
		if err != nil {
			continue
		}
		add(a, "", noOp, noOpReason)
	}
	if needESP {
		if a, _, _, err := p.buildAction(model.ActionMountESP, snap, model.Detection{}); err == nil {
			add(a, "", false, "")
		}
	}
	// 加密已知激活时把挂起动作显式进计划；状态不可知时留给执行器按闸门前置条件处理。
	if needSuspend && st.Encryption == model.EncryptionOn {
		if a, _, _, err := p.buildAction(model.ActionSuspendEncryption, snap, model.Detection{}); err == nil {
			add(a, "", false, "")
		}
	}

	ordered := make([]*pendingEntry, 0, len(entries)+len(manuals))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].action, ordered[j].action
		if a.Kind.Stage() != b.Kind.Stage() {
			return a.Kind.Stage() < b.Kind.Stage()
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.CommandText < b.CommandText
	})
	sort.SliceStable(manuals, func(i, j int) bool {
		return manuals[i].action.Justification < manuals[j].action.Justification
	})
	ordered = append(ordered, manuals...)

	out := make([]model.PlannedAction, 0, len(ordered))
	for i, e := range ordered {
		pa := model.PlannedAction{
			Seq:           i + 1,
			Action:        e.action,
			SourceRules:   sortedKeys(e.sources),
			NoOp:          e.noOp,
			NoOpReason:    e.noOpReason,
			Preconditions: preconditions(e.action.Kind),
			Status:        model.PlanStatusPlanned,
		}
		if e.manualNote != "" {
			pa.Status = model.PlanStatusManual
		}
		out = append(out, pa)
	}
	return out
}

// buildAction 按动作种类与快照上下文构造具体动作实例。
// 第二、三返回值标记计划期就能判定的 no-op（例如给不存在的 BCD 存储做备份）。
func (p *Planner) buildAction(kind model.ActionKind, snap *model.Snapshot, d model.Detection) (model.Action, bool, string, error) {
	switch kind {
	case model.ActionMountESP:
		a, err := model.NewMountESP(snap.ESP.Designator)
		return a, false, "", err
	case model.ActionExportBCDStore:
		a, err := model.NewExportBCDStore(snap.BCD.StorePath, filepath.Join(p.BackupDir, "BCD.backup"))
		if err != nil {
			return a, false, "", err
		}
		if !snap.BCD.StoreExists {
			return a, true, "bcd store file absent; nothing to back up", nil
		}
		return a, false, "", nil
	case model.ActionBackupSystemHive:
		a, err := model.NewBackupSystemHive(snap.Hives.SystemPath, filepath.Join(p.BackupDir, "SYSTEM.backup"))
		if err != nil {
			return a, false, "", err
		}
		if !snap.Hives.SystemExists {
			return a, true, "system hive absent; nothing to back up", nil
		}
		return a, false, "", nil
	case model.ActionSuspendEncryption:
		a, err := model.NewSuspendEncryption(snap.Encryption.Volume)
		return a, false, "", err
	case model.ActionRestoreHiveBackup:
		if !snap.Hives.BackupSystemOK {
			return model.Action{}, false, "", fmt.Errorf("no usable RegBack copy of SYSTEM hive")
		}
		a, err := model.NewRestoreHiveBackup(snap.Hives.RegBackSystemPath, snap.Hives.SystemPath)
		return a, false, "", err
	case model.ActionBindBCDDevice:
		a, err := model.NewBindBCDDevice(snap.BCD.StorePath, bcdEntryFromEvidence(d), "partition="+targetVolume(snap))
		return a, false, "", err
	case model.ActionBindBCDOSDevice:
		a, err := model.NewBindBCDOSDevice(snap.BCD.StorePath, bcdEntryFromEvidence(d), "partition="+targetVolume(snap))
		return a, false, "", err
	case model.ActionRepairLoaderPath:
		a, err := model.NewRepairLoaderPath(snap.BCD.StorePath, bcdEntryFromEvidence(d), `\Windows\system32\winload.efi`)
		return a, false, "", err
	case model.ActionClearTestSigning:
		flag := d.Evidence["flag"]
		if flag == "" {
			flag = "testsigning"
		}
		a, err := model.NewClearTestSigning(snap.BCD.StorePath, bcdEntryFromEvidence(d), flag)
		return a, false, "", err
	case model.ActionRemoveStartOverride:
		a, err := model.NewRemoveStartOverride(d.Evidence["override_key"])
		return a, false, "", err
	case model.ActionRestoreDriverStart:
		a, err := model.NewRestoreDriverStart(d.Evidence["registry_key"], 0)
		return a, false, "", err
	case model.ActionClearPendingRenames:
		a, err := model.NewClearPendingRenames(snap.Pending.SessionManagerKey)
		return a, false, "", err
	case model.ActionDisableFastStartup:
		a, err := model.NewDisableFastStartup(snap.Power.PowerKey)
		return a, false, "", err
	case model.ActionEnableRecoveryEnv:
		a, err := model.NewEnableRecoveryEnv(snap.WindowsDir)
		return a, false, "", err
	case model.ActionRemoveHibernationFile:
		a, err := model.NewRemoveHibernationFile(snap.Power.HiberfilePath)
		return a, false, "", err
	case model.ActionClearComponentLocks:
		a, err := model.NewClearComponentLocks(snap.Pending.LockFiles)
		return a, false, "", err
	case model.ActionRevertPendingServicing:
		a, err := model.NewRevertPendingServicing(snap.TargetRoot)
		return a, false, "", err
	case model.ActionRestoreComponentHealth:
		a, err := model.NewRestoreComponentHealth(snap.TargetRoot)
		return a, false, "", err
	case model.ActionRepairSystemFiles:
		a, err := model.NewRepairSystemFiles(targetVolume(snap), snap.WindowsDir)
		return a, false, "", err
	case model.ActionFormatESPFat32:
		a, err := model.NewFormatESPFat32(snap.ESP.Designator)
		return a, false, "", err
	case model.ActionRebuildBCDStore:
		firmware := "ALL"
		if snap.Firmware.Mode == "uefi" {
			firmware = "UEFI"
		}
		a, err := model.NewRebuildBCDStore(snap.WindowsDir, snap.ESP.Designator, firmware)
		return a, false, "", err
	case model.ActionVerifyVolume:
		a, err := model.NewVerifyVolume(targetVolume(snap))
		return a, false, "", err
	default:
		return model.Action{}, false, "", fmt.Errorf("unknown action kind: %s", kind)
	}
}

// preconditions 把动作类型声明的前置要求展开为文档用的固定字符串。
func preconditions(kind model.ActionKind) []string {
	out := []string{}
	for _, b := range kind.BackupKinds() {
		switch b {
		case model.ActionExportBCDStore:
			out = append(out, "bcd store backed up")
		case model.ActionBackupSystemHive:
			out = append(out, "system hive backed up")
		}
	}
	if kind.RequiresEncryptionSuspend() {
		out = append(out, "bitlocker suspended")
	}
	return out
}

func bcdEntryFromEvidence(d model.Detection) string {
	if e := strings.TrimSpace(d.Evidence["entry"]); e != "" {
		return e
	}
	return "{default}"
}

func targetVolume(snap *model.Snapshot) string {
	root := snap.TargetRoot
	if len(root) >= 2 && root[1] == ':' {
		return root[:2]
	}
	return strings.TrimRight(root, `\/`)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
