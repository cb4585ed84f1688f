package model

import (
	"fmt"
	"strings"
)

// RiskTier 是动作风险定级，词汇表固定为三档。
type RiskTier string

const (
	RiskReadOnly RiskTier = "read_only"
	RiskLow      RiskTier = "low"
	RiskHigh     RiskTier = "high"
)

// ActionKind 标识修复动作类型。
// 动作集合封闭：引擎只会构造这里枚举的类型，每种类型自带参数校验，
// 不存在运行时拼接的自由命令串。
type ActionKind string

const (
	ActionMountESP               ActionKind = "mount_esp"
	ActionExportBCDStore         ActionKind = "export_bcd_store"
	ActionBackupSystemHive       ActionKind = "backup_system_hive"
	ActionSuspendEncryption      ActionKind = "suspend_encryption"
	ActionRestoreHiveBackup      ActionKind = "restore_hive_backup"
	ActionBindBCDDevice          ActionKind = "bind_bcd_device"
	ActionBindBCDOSDevice        ActionKind = "bind_bcd_osdevice"
	ActionRepairLoaderPath       ActionKind = "repair_loader_path"
	ActionClearTestSigning       ActionKind = "clear_test_signing"
	ActionRemoveStartOverride    ActionKind = "remove_start_override"
	ActionRestoreDriverStart     ActionKind = "restore_driver_start"
	ActionClearPendingRenames    ActionKind = "clear_pending_renames"
	ActionDisableFastStartup     ActionKind = "disable_fast_startup"
	ActionEnableRecoveryEnv      ActionKind = "enable_recovery_env"
	ActionRemoveHibernationFile  ActionKind = "remove_hibernation_file"
	ActionClearComponentLocks    ActionKind = "clear_component_locks"
	ActionRevertPendingServicing ActionKind = "revert_pending_servicing"
	ActionRestoreComponentHealth ActionKind = "restore_component_health"
	ActionRepairSystemFiles      ActionKind = "repair_system_files"
	ActionFormatESPFat32         ActionKind = "format_esp_fat32"
	ActionRebuildBCDStore        ActionKind = "rebuild_bcd_store"
	ActionVerifyVolume           ActionKind = "verify_volume"
	ActionManualIntervention     ActionKind = "manual_intervention"
)

// actionTraits 定义每种动作类型的固有属性。
// stage 是规划期排序的拓扑阶段：挂载 < 备份 < 挂起加密 < 配置单元回灌 <
// 注册表/BCD 值修复 < 文件清理 < 组件服务 < 分区重建 < 校验 < 人工占位。
type actionTraits struct {
	risk            RiskTier
	destructive     bool
	backups         []ActionKind
	requiresSuspend bool // 对目标卷执行离线文件写，BitLocker 激活时需先挂起
	needsSystemHive bool // 需要 SYSTEM 配置单元在执行期可查询（离线目标先挂载）
	fatalOnFailure  bool // true: 失败中止剩余计划；false: 记警告继续
	stage           int
}

var actionCatalog = map[ActionKind]actionTraits{
	ActionMountESP:               {risk: RiskLow, fatalOnFailure: true, stage: 0},
	ActionExportBCDStore:         {risk: RiskLow, fatalOnFailure: true, stage: 1},
	ActionBackupSystemHive:       {risk: RiskLow, fatalOnFailure: true, stage: 1},
	ActionSuspendEncryption:      {risk: RiskLow, stage: 2},
	ActionRestoreHiveBackup:      {risk: RiskHigh, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, requiresSuspend: true, fatalOnFailure: true, stage: 3},
	ActionBindBCDDevice:          {risk: RiskLow, destructive: true, backups: []ActionKind{ActionExportBCDStore}, fatalOnFailure: true, stage: 4},
	ActionBindBCDOSDevice:        {risk: RiskLow, destructive: true, backups: []ActionKind{ActionExportBCDStore}, fatalOnFailure: true, stage: 4},
	ActionRepairLoaderPath:       {risk: RiskLow, destructive: true, backups: []ActionKind{ActionExportBCDStore}, fatalOnFailure: true, stage: 4},
	ActionClearTestSigning:       {risk: RiskLow, destructive: true, backups: []ActionKind{ActionExportBCDStore}, stage: 4},
	ActionRemoveStartOverride:    {risk: RiskLow, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, needsSystemHive: true, stage: 4},
	ActionRestoreDriverStart:     {risk: RiskLow, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, needsSystemHive: true, stage: 4},
	ActionClearPendingRenames:    {risk: RiskLow, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, needsSystemHive: true, stage: 4},
	ActionDisableFastStartup:     {risk: RiskLow, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, needsSystemHive: true, stage: 4},
	ActionEnableRecoveryEnv:      {risk: RiskLow, destructive: true, stage: 4},
	ActionRemoveHibernationFile:  {risk: RiskLow, destructive: true, requiresSuspend: true, stage: 5},
	ActionClearComponentLocks:    {risk: RiskLow, destructive: true, requiresSuspend: true, stage: 5},
	ActionRevertPendingServicing: {risk: RiskHigh, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, requiresSuspend: true, fatalOnFailure: true, stage: 6},
	ActionRestoreComponentHealth: {risk: RiskHigh, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, requiresSuspend: true, stage: 6},
	ActionRepairSystemFiles:      {risk: RiskHigh, destructive: true, backups: []ActionKind{ActionBackupSystemHive}, requiresSuspend: true, stage: 6},
	ActionFormatESPFat32:         {risk: RiskHigh, destructive: true, backups: []ActionKind{ActionExportBCDStore}, fatalOnFailure: true, stage: 7},
	ActionRebuildBCDStore:        {risk: RiskHigh, destructive: true, backups: []ActionKind{ActionExportBCDStore}, fatalOnFailure: true, stage: 8},
	ActionVerifyVolume:           {risk: RiskReadOnly, stage: 9},
	ActionManualIntervention:     {risk: RiskReadOnly, stage: 10},
}

// allActionKindsOrdered 按稳定顺序（阶段、再按名称）枚举全部动作种类。
var allActionKindsOrdered = []ActionKind{
	ActionMountESP,
	ActionBackupSystemHive,
	ActionExportBCDStore,
	ActionSuspendEncryption,
	ActionRestoreHiveBackup,
	ActionBindBCDDevice,
	ActionBindBCDOSDevice,
	ActionClearPendingRenames,
	ActionClearTestSigning,
	ActionDisableFastStartup,
	ActionEnableRecoveryEnv,
	ActionRemoveStartOverride,
	ActionRepairLoaderPath,
	ActionRestoreDriverStart,
	ActionClearComponentLocks,
	ActionRemoveHibernationFile,
	ActionRepairSystemFiles,
	ActionRestoreComponentHealth,
	ActionRevertPendingServicing,
	ActionFormatESPFat32,
	ActionRebuildBCDStore,
	ActionVerifyVolume,
	ActionManualIntervention,
}

// AllActionKinds 返回全部动作种类（稳定顺序，供测试与目录校验穷举）。
func AllActionKinds() []ActionKind {
	out := make([]ActionKind, len(allActionKindsOrdered))
	copy(out, allActionKindsOrdered)
	return out
}

// ValidActionKind 判断名称是否在封闭动作集合内。
func ValidActionKind(k ActionKind) bool {
	_, ok := actionCatalog[k]
	return ok
}

// Risk 返回动作类型的风险定级。
func (k ActionKind) Risk() RiskTier { return actionCatalog[k].risk }

// Destructive 返回动作类型是否会改写既有数据。
func (k ActionKind) Destructive() bool { return actionCatalog[k].destructive }

// BackupKinds 返回该动作要求先行完成的备份动作种类。
func (k ActionKind) BackupKinds() []ActionKind { return actionCatalog[k].backups }

// RequiresEncryptionSuspend 返回该动作是否构成对目标卷的离线文件写。
func (k ActionKind) RequiresEncryptionSuspend() bool { return actionCatalog[k].requiresSuspend }

// NeedsSystemHive 返回该动作执行期是否依赖 SYSTEM 配置单元可查询。
func (k ActionKind) NeedsSystemHive() bool { return actionCatalog[k].needsSystemHive }

// FatalOnFailure 返回失败分级：true 为致命（中止剩余计划）。
func (k ActionKind) FatalOnFailure() bool { return actionCatalog[k].fatalOnFailure }

// Stage 返回规划期拓扑阶段序号。
func (k ActionKind) Stage() int { return actionCatalog[k].stage }

// FileOp 描述内建文件操作：少数动作（备份副本、删除休眠文件）
// 不依赖外部工具，由执行器直接完成，但命令文本照常进动作日志。
type FileOp struct {
	Op  string `json:"op"` // copy|remove
	Src string `json:"src,omitempty"`
	Dst string `json:"dst,omitempty"`
}

// Action 是一次可执行（或可演练）的修复动作实例。
// 实例在构造时完成参数校验；CommandText 是完整命令文本，进计划与审计展示。
type Action struct {
	Kind          ActionKind `json:"kind"`
	Risk          RiskTier   `json:"risk"`
	Destructive   bool       `json:"destructive"`
	Justification string     `json:"justification"`
	CommandText   string     `json:"command"`

	Argv    []string `json:"-"` // 子进程参数；内建动作为空
	FileOps []FileOp `json:"-"` // 内建文件操作；子进程动作为空
}

// Key 返回去重键：同种类 + 同命令文本视为同一动作。
func (a Action) Key() string {
	return string(a.Kind) + "|" + a.CommandText
}

func newAction(kind ActionKind, justification string, argv []string) Action {
	t := actionCatalog[kind]
	return Action{
		Kind:          kind,
		Risk:          t.risk,
		Destructive:   t.destructive,
		Justification: justification,
		CommandText:   renderCommand(argv),
		Argv:          argv,
	}
}

func newFileAction(kind ActionKind, justification string, ops []FileOp) Action {
	t := actionCatalog[kind]
	return Action{
		Kind:          kind,
		Risk:          t.risk,
		Destructive:   t.destructive,
		Justification: justification,
		CommandText:   renderFileOps(ops),
		FileOps:       ops,
	}
}

// renderCommand 把 argv 渲染成单行命令文本，含空格的参数加引号。
func renderCommand(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		if strings.ContainsAny(a, " \t") {
			parts = append(parts, `"`+a+`"`)
		} else {
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, " ")
}

func renderFileOps(ops []FileOp) string {
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		switch op.Op {
		case "copy":
			parts = append(parts, fmt.Sprintf("copy %q %q", op.Src, op.Dst))
		case "remove":
			parts = append(parts, fmt.Sprintf("del %q", op.Src))
		}
	}
	return strings.Join(parts, " & ")
}

func requireArg(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func requireRegistryPath(name, v string) error {
	if err := requireArg(name, v); err != nil {
		return err
	}
	u := strings.ToUpper(v)
	if !strings.HasPrefix(u, `HKLM\`) && !strings.HasPrefix(u, `HKEY_LOCAL_MACHINE\`) {
		return fmt.Errorf("%s must be under HKLM: %s", name, v)
	}
	return nil
}

// NewMountESP 构造挂载 EFI 系统分区的动作（mountvol <盘符> /S）。
func NewMountESP(designator string) (Action, error) {
	if err := requireArg("esp designator", designator); err != nil {
		return Action{}, err
	}
	return newAction(ActionMountESP,
		"挂载 EFI 系统分区，使后续 BCD/启动文件操作可达",
		[]string{"mountvol", designator, "/S"}), nil
}

// NewExportBCDStore 构造 BCD 存储备份动作（复制存储文件到备份目录）。
func NewExportBCDStore(storePath, backupPath string) (Action, error) {
	if err := requireArg("bcd store path", storePath); err != nil {
		return Action{}, err
	}
	if err := requireArg("backup path", backupPath); err != nil {
		return Action{}, err
	}
	return newFileAction(ActionExportBCDStore,
		"先行备份 BCD 存储，破坏性修改可回退",
		[]FileOp{{Op: "copy", Src: storePath, Dst: backupPath}}), nil
}

// NewBackupSystemHive 构造 SYSTEM 配置单元备份动作。
func NewBackupSystemHive(hivePath, backupPath string) (Action, error) {
	if err := requireArg("system hive path", hivePath); err != nil {
		return Action{}, err
	}
	if err := requireArg("backup path", backupPath); err != nil {
		return Action{}, err
	}
	return newFileAction(ActionBackupSystemHive,
		"先行备份 SYSTEM 配置单元，注册表修改可回退",
		[]FileOp{{Op: "copy", Src: hivePath, Dst: backupPath}}), nil
}

// NewSuspendEncryption 构造挂起 BitLocker 保护的动作。
func NewSuspendEncryption(volume string) (Action, error) {
	if err := requireArg("volume", volume); err != nil {
		return Action{}, err
	}
	return newAction(ActionSuspendEncryption,
		"挂起 BitLocker 保护，避免离线写入触发恢复密钥锁定",
		[]string{"manage-bde", "-protectors", "-disable", volume}), nil
}

// NewRestoreHiveBackup 构造从 RegBack 回灌 SYSTEM 配置单元的动作。
func NewRestoreHiveBackup(backupHivePath, liveHivePath string) (Action, error) {
	if err := requireArg("regback hive path", backupHivePath); err != nil {
		return Action{}, err
	}
	if err := requireArg("config hive path", liveHivePath); err != nil {
		return Action{}, err
	}
	return newFileAction(ActionRestoreHiveBackup,
		"SYSTEM 配置单元损坏，用 RegBack 备份副本回灌",
		[]FileOp{{Op: "copy", Src: backupHivePath, Dst: liveHivePath}}), nil
}

// bcdSet 构造 bcdedit /store <store> /set <entry> <name> <value> 形式的参数。
func bcdSet(storePath, entry, name, value string) []string {
	return []string{"bcdedit", "/store", storePath, "/set", entry, name, value}
}

// NewBindBCDDevice 构造重绑 BCD 条目 device 的动作，device 形如 partition=C:。
func NewBindBCDDevice(storePath, entry, device string) (Action, error) {
	if err := requireArg("bcd store path", storePath); err != nil {
		return Action{}, err
	}
	if err := requireArg("bcd entry", entry); err != nil {
		return Action{}, err
	}
	if err := requireArg("device", device); err != nil {
		return Action{}, err
	}
	if strings.ContainsAny(device, " \t") {
		return Action{}, fmt.Errorf("device must not contain spaces: %q", device)
	}
	return newAction(ActionBindBCDDevice,
		"BCD 条目 device 绑定失效，重绑到目标分区",
		bcdSet(storePath, entry, "device", device)), nil
}

// NewBindBCDOSDevice 构造重绑 BCD 条目 osdevice 的动作。
func NewBindBCDOSDevice(storePath, entry, device string) (Action, error) {
	if err := requireArg("bcd store path", storePath); err != nil {
		return Action{}, err
	}
	if err := requireArg("bcd entry", entry); err != nil {
		return Action{}, err
	}
	if err := requireArg("osdevice", device); err != nil {
		return Action{}, err
	}
	if strings.ContainsAny(device, " \t") {
		return Action{}, fmt.Errorf("osdevice must not contain spaces: %q", device)
	}
	return newAction(ActionBindBCDOSDevice,
		"BCD 条目 osdevice 绑定失效，重绑到目标分区",
		bcdSet(storePath, entry, "osdevice", device)), nil
}

// NewRepairLoaderPath 构造修正加载器路径的动作（UEFI 应指向 winload.efi）。
func NewRepairLoaderPath(storePath, entry, loaderPath string) (Action, error) {
	if err := requireArg("bcd store path", storePath); err != nil {
		return Action{}, err
	}
	if err := requireArg("bcd entry", entry); err != nil {
		return Action{}, err
	}
	if err := requireArg("loader path", loaderPath); err != nil {
		return Action{}, err
	}
	return newAction(ActionRepairLoaderPath,
		"加载器路径与固件形态不匹配，改写为正确的 winload 路径",
		bcdSet(storePath, entry, "path", loaderPath)), nil
}

// NewClearTestSigning 构造关闭测试签名类启动开关的动作。
// flag 仅允许 testsigning / nointegritychecks 两个取值。
func NewClearTestSigning(storePath, entry, flag string) (Action, error) {
	if err := requireArg("bcd store path", storePath); err != nil {
		return Action{}, err
	}
	if err := requireArg("bcd entry", entry); err != nil {
		return Action{}, err
	}
	if flag != "testsigning" && flag != "nointegritychecks" {
		return Action{}, fmt.Errorf("unsupported boot flag: %q", flag)
	}
	return newAction(ActionClearTestSigning,
		"Secure Boot 与测试签名开关冲突，关闭 "+flag,
		bcdSet(storePath, entry, flag, "off")), nil
}

// NewRemoveStartOverride 构造删除存储驱动 StartOverride 子键的动作。
func NewRemoveStartOverride(overrideKeyPath string) (Action, error) {
	if err := requireRegistryPath("start override key", overrideKeyPath); err != nil {
		return Action{}, err
	}
	return newAction(ActionRemoveStartOverride,
		"StartOverride 子键把存储驱动压制为禁用，删除后恢复正常启动值",
		[]string{"reg", "delete", overrideKeyPath, "/f"}), nil
}

// NewRestoreDriverStart 构造恢复驱动 Start 值的动作（启动关键驱动应为 0）。
func NewRestoreDriverStart(serviceKeyPath string, start int) (Action, error) {
	if err := requireRegistryPath("service key", serviceKeyPath); err != nil {
		return Action{}, err
	}
	if start < 0 || start > 4 {
		return Action{}, fmt.Errorf("invalid start value: %d", start)
	}
	return newAction(ActionRestoreDriverStart,
		"启动关键存储驱动被禁用，恢复 Start 值",
		[]string{"reg", "add", serviceKeyPath, "/v", "Start", "/t", "REG_DWORD", "/d", fmt.Sprintf("%d", start), "/f"}), nil
}

// NewClearPendingRenames 构造清除挂起改名操作的动作。
func NewClearPendingRenames(sessionManagerKeyPath string) (Action, error) {
	if err := requireRegistryPath("session manager key", sessionManagerKeyPath); err != nil {
		return Action{}, err
	}
	return newAction(ActionClearPendingRenames,
		"挂起的文件改名操作阻塞启动流程，清除后由后续维护重建",
		[]string{"reg", "delete", sessionManagerKeyPath, "/v", "PendingFileRenameOperations", "/f"}), nil
}

// NewDisableFastStartup 构造关闭快速启动的动作。
func NewDisableFastStartup(powerKeyPath string) (Action, error) {
	if err := requireRegistryPath("power key", powerKeyPath); err != nil {
		return Action{}, err
	}
	return newAction(ActionDisableFastStartup,
		"快速启动与损坏的休眠文件组合导致启动失败，关闭 HiberbootEnabled",
		[]string{"reg", "add", powerKeyPath, "/v", "HiberbootEnabled", "/t", "REG_DWORD", "/d", "0", "/f"}), nil
}

// NewEnableRecoveryEnv 构造启用 WinRE 的动作。
func NewEnableRecoveryEnv(windowsDir string) (Action, error) {
	if err := requireArg("windows dir", windowsDir); err != nil {
		return Action{}, err
	}
	return newAction(ActionEnableRecoveryEnv,
		"目标安装的恢复环境处于禁用状态，重新启用",
		[]string{"reagentc", "/enable", "/ostarget", windowsDir}), nil
}

// NewRemoveHibernationFile 构造删除休眠文件的动作（系统会按需重建）。
func NewRemoveHibernationFile(hiberfilePath string) (Action, error) {
	if err := requireArg("hiberfile path", hiberfilePath); err != nil {
		return Action{}, err
	}
	return newFileAction(ActionRemoveHibernationFile,
		"休眠文件损坏导致快速启动恢复失败，删除后冷启动重建",
		[]FileOp{{Op: "remove", Src: hiberfilePath}}), nil
}

// NewClearComponentLocks 构造清理组件仓库排他锁文件的动作。
func NewClearComponentLocks(lockPaths []string) (Action, error) {
	if len(lockPaths) == 0 {
		return Action{}, fmt.Errorf("at least one lock path is required")
	}
	ops := make([]FileOp, 0, len(lockPaths))
	for _, p := range lockPaths {
		if err := requireArg("lock path", p); err != nil {
			return Action{}, err
		}
		ops = append(ops, FileOp{Op: "remove", Src: p})
	}
	return newFileAction(ActionClearComponentLocks,
		"组件仓库遗留排他锁文件阻塞启动期事务，清理锁文件",
		ops), nil
}

// NewRevertPendingServicing 构造回滚挂起服务事务的动作。
func NewRevertPendingServicing(targetRoot string) (Action, error) {
	if err := requireArg("target root", targetRoot); err != nil {
		return Action{}, err
	}
	return newAction(ActionRevertPendingServicing,
		"组件仓库存在未完成的服务事务，回滚挂起操作",
		[]string{"dism", "/Image:" + targetRoot, "/Cleanup-Image", "/RevertPendingActions"}), nil
}

// NewRestoreComponentHealth 构造组件仓库健康修复的动作。
func NewRestoreComponentHealth(targetRoot string) (Action, error) {
	if err := requireArg("target root", targetRoot); err != nil {
		return Action{}, err
	}
	return newAction(ActionRestoreComponentHealth,
		"驱动文件缺失或为零长度，从组件仓库恢复健康副本",
		[]string{"dism", "/Image:" + targetRoot, "/Cleanup-Image", "/RestoreHealth"}), nil
}

// NewRepairSystemFiles 构造离线系统文件修复的动作（sfc 离线模式）。
func NewRepairSystemFiles(offBootDir, offWinDir string) (Action, error) {
	if err := requireArg("offline boot dir", offBootDir); err != nil {
		return Action{}, err
	}
	if err := requireArg("offline windows dir", offWinDir); err != nil {
		return Action{}, err
	}
	return newAction(ActionRepairSystemFiles,
		"启动关键系统文件缺失或损坏，运行离线系统文件修复",
		[]string{"sfc", "/scannow", "/offbootdir=" + offBootDir, "/offwindir=" + offWinDir}), nil
}

// NewFormatESPFat32 构造将 ESP 重格为 FAT32 的动作。
func NewFormatESPFat32(designator string) (Action, error) {
	if err := requireArg("esp designator", designator); err != nil {
		return Action{}, err
	}
	return newAction(ActionFormatESPFat32,
		"ESP 文件系统不是 FAT32，固件无法读取，重格后重建启动文件",
		[]string{"cmd", "/c", "format", designator, "/FS:FAT32", "/Q", "/Y"}), nil
}

// NewRebuildBCDStore 构造重建 BCD 与启动文件的动作（bcdboot）。
// firmware 仅允许 UEFI / BIOS / ALL。
func NewRebuildBCDStore(windowsDir, espDesignator, firmware string) (Action, error) {
	if err := requireArg("windows dir", windowsDir); err != nil {
		return Action{}, err
	}
	if err := requireArg("esp designator", espDesignator); err != nil {
		return Action{}, err
	}
	switch firmware {
	case "UEFI", "BIOS", "ALL":
	default:
		return Action{}, fmt.Errorf("unsupported firmware type: %q", firmware)
	}
	return newAction(ActionRebuildBCDStore,
		"重建 BCD 存储与启动文件到 ESP",
		[]string{"bcdboot", windowsDir, "/s", espDesignator, "/f", firmware}), nil
}

// NewVerifyVolume 构造只读卷校验的动作（chkdsk 无修复开关）。
func NewVerifyVolume(volume string) (Action, error) {
	if err := requireArg("volume", volume); err != nil {
		return Action{}, err
	}
	return newAction(ActionVerifyVolume,
		"事件日志出现磁盘错误引用，做一次只读卷校验供报告参考",
		[]string{"chkdsk", volume}), nil
}

// NewManualIntervention 构造“需人工介入”的占位动作。
// 目录漂移（检出没有映射动作）时规划器用它显式占位，避免静默丢弃。
func NewManualIntervention(ruleID, note string) Action {
	t := actionCatalog[ActionManualIntervention]
	return Action{
		Kind:          ActionManualIntervention,
		Risk:          t.risk,
		Destructive:   t.destructive,
		Justification: fmt.Sprintf("检出 %s 暂无映射动作，需人工介入：%s", ruleID, note),
	}
}

// PlanStatus 是计划条目的状态。
type PlanStatus string

const (
	PlanStatusPlanned PlanStatus = "planned"
	PlanStatusManual  PlanStatus = "manual_required"
)

// PlannedAction 是排序后的计划条目。
type PlannedAction struct {
	Seq           int        `json:"seq"`
	Action        Action     `json:"action"`
	SourceRules   []string   `json:"source_rules"`
	NoOp          bool       `json:"no_op"`
	NoOpReason    string     `json:"no_op_reason,omitempty"`
	Preconditions []string   `json:"preconditions"`
	Status        PlanStatus `json:"status"`
}
