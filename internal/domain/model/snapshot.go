package model

// ProbeStatus 表示单个证据探针的结论状态。
type ProbeStatus string

const (
	// ProbeCollected 证据已采集成功。
	ProbeCollected ProbeStatus = "collected"
	// ProbeUnavailable 证据未能采集（原因见 Reason），不等于否定证据。
	ProbeUnavailable ProbeStatus = "unavailable"
)

// Probe 记录一次证据探针的可用性结论。
// WinRE/WinPE 下部分注册表配置单元或盘符经常不可达，
// 这里把“没采到（为什么）”做成一等状态，规则层据此跳过而不是当作阴性结果。
type Probe struct {
	Name   string      `json:"name"`
	Status ProbeStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// CollectedProbe 构造一个采集成功的探针结论。
func CollectedProbe(name string) Probe {
	return Probe{Name: name, Status: ProbeCollected}
}

// UnavailableProbe 构造一个采集失败的探针结论。
func UnavailableProbe(name, reason string) Probe {
	return Probe{Name: name, Status: ProbeUnavailable, Reason: reason}
}

// Collected 返回该探针是否采集成功。
func (p Probe) Collected() bool { return p.Status == ProbeCollected }

// RuntimeContext 表示引擎当前的运行环境。
type RuntimeContext string

const (
	RuntimeFullOS  RuntimeContext = "full_os"
	RuntimeWinRE   RuntimeContext = "winre"
	RuntimeWinPE   RuntimeContext = "winpe"
	RuntimeUnknown RuntimeContext = "unknown"
)

// BootFile 描述单个启动关键文件的存在性与完整性。
type BootFile struct {
	Role       string `json:"role"` // boot_manager|loader|kernel|hal 等
	Path       string `json:"path"`
	Exists     bool   `json:"exists"`
	SizeBytes  int64  `json:"size_bytes"`
	SHA256     string `json:"sha256,omitempty"`
	ZeroLength bool   `json:"zero_length"`
}

// BootFilesEvidence 是启动关键文件组证据。
type BootFilesEvidence struct {
	Probe Probe      `json:"probe"`
	Files []BootFile `json:"files"`
}

// FileByRole 按角色取第一个匹配文件；没有时第二个返回值为 false。
func (e BootFilesEvidence) FileByRole(role string) (BootFile, bool) {
	for _, f := range e.Files {
		if f.Role == role {
			return f, true
		}
	}
	return BootFile{}, false
}

// BCDEntry 是 bcdedit 枚举输出中一个对象的关键字段。
type BCDEntry struct {
	Identifier  string `json:"identifier"` // {bootmgr}、{default} 或 GUID
	Description string `json:"description,omitempty"`
	Device      string `json:"device,omitempty"`
	OSDevice    string `json:"osdevice,omitempty"`
	Path        string `json:"path,omitempty"`
	TestSigning bool   `json:"test_signing,omitempty"`
	NoIntegrity bool   `json:"no_integrity,omitempty"`
}

// BCDEvidence 是 BCD 存储证据：文件本体 + 解析出的条目。
// 文件事实与条目解析各有探针：存储文件在而 bcdedit 枚举失败时，
// 针对文件的规则照常评估，针对条目的规则跳过。
type BCDEvidence struct {
	Probe        Probe      `json:"probe"`         // 存储文件事实
	EntriesProbe Probe      `json:"entries_probe"` // 条目枚举
	StorePath    string     `json:"store_path"`
	StoreExists  bool       `json:"store_exists"`
	StoreSize    int64      `json:"store_size"`
	Entries      []BCDEntry `json:"entries"`
	HasDefault   bool       `json:"has_default"`
}

// DefaultEntry 返回 {default} 条目；不存在时第二个返回值为 false。
func (e BCDEvidence) DefaultEntry() (BCDEntry, bool) {
	for _, en := range e.Entries {
		if en.Identifier == "{default}" {
			return en, true
		}
	}
	return BCDEntry{}, false
}

// StorageService 描述一个启动期存储驱动服务的注册表证据。
type StorageService struct {
	Name          string `json:"name"`
	RegistryPath  string `json:"registry_path"`
	Start         int    `json:"start"` // 0 = BOOT_START
	StartOverride bool   `json:"start_override"`
	OverridePath  string `json:"override_path,omitempty"`
	OverrideValue int    `json:"override_value,omitempty"`
	ImagePath     string `json:"image_path,omitempty"`
	ImageExists   bool   `json:"image_exists"`
	ImageSize     int64  `json:"image_size"`
}

// ServicesEvidence 是存储驱动服务组证据。
type ServicesEvidence struct {
	Probe    Probe            `json:"probe"`
	Services []StorageService `json:"services"`
}

// PendingOpsEvidence 是挂起操作证据：未完成的改名、组件仓库挂起事务与锁文件。
// 改名记录来自注册表，组件仓库事实来自文件系统，探针分开，互不拖累。
type PendingOpsEvidence struct {
	RenamesProbe      Probe    `json:"renames_probe"`
	StoreProbe        Probe    `json:"store_probe"`
	FileRenameCount   int      `json:"file_rename_count"`
	FileRenameSample  []string `json:"file_rename_sample,omitempty"`
	PendingXMLExists  bool     `json:"pending_xml_exists"`
	PendingXMLPath    string   `json:"pending_xml_path,omitempty"`
	LockFiles         []string `json:"lock_files,omitempty"`
	SessionManagerKey string   `json:"session_manager_key,omitempty"`
}

// FirmwareEvidence 是固件形态证据。
// 固件模式由文件布局判断；Secure Boot 依赖注册表，单独探针。
type FirmwareEvidence struct {
	Probe           Probe  `json:"probe"`
	Mode            string `json:"mode"` // uefi|legacy|unknown
	SecureBoot      bool   `json:"secure_boot"`
	SecureBootProbe Probe  `json:"secure_boot_probe"`
}

// EncryptionEvidence 是目标卷的 BitLocker 证据。
type EncryptionEvidence struct {
	Probe      Probe            `json:"probe"`
	Volume     string           `json:"volume"`
	Status     EncryptionStatus `json:"status"`
	Conversion string           `json:"conversion,omitempty"` // manage-bde 原文摘录
	Protection string           `json:"protection,omitempty"`
}

// PowerEvidence 是快速启动/休眠文件证据。
type PowerEvidence struct {
	Probe           Probe  `json:"probe"`
	FastStartup     bool   `json:"fast_startup"` // HiberbootEnabled=1
	PowerKey        string `json:"power_key,omitempty"`
	HiberfilePath   string `json:"hiberfile_path,omitempty"`
	HiberfileExists bool   `json:"hiberfile_exists"`
	HiberfileSize   int64  `json:"hiberfile_size"`
}

// BuildEvidence 是目标安装与当前运行环境的版本号证据。
type BuildEvidence struct {
	Probe       Probe  `json:"probe"`
	TargetBuild int    `json:"target_build"`
	TargetName  string `json:"target_name,omitempty"`
	EnvBuild    int    `json:"env_build"`
}

// HiveEvidence 是注册表配置单元文件本体证据。
type HiveEvidence struct {
	Probe             Probe  `json:"probe"`
	SystemPath        string `json:"system_path"`
	SystemExists      bool   `json:"system_exists"`
	SystemSize        int64  `json:"system_size"`
	SoftwareExists    bool   `json:"software_exists"`
	SoftwareSize      int64  `json:"software_size"`
	BackupDirExists   bool   `json:"backup_dir_exists"` // config\RegBack
	BackupSystemOK    bool   `json:"backup_system_ok"`  // RegBack\SYSTEM 存在且非零
	RegBackSystemPath string `json:"regback_system_path,omitempty"`
}

// RecoveryEvidence 是 WinRE 配置证据。
type RecoveryEvidence struct {
	Probe    Probe  `json:"probe"`
	Enabled  bool   `json:"enabled"`
	Location string `json:"location,omitempty"`
}

// StabilityEvidence 是稳定性参考证据：近期转储与启动相关事件引用。
// 仅用于报告与低置信度提示，不驱动硬件级修复（超出范围）。
type StabilityEvidence struct {
	DumpProbe       Probe    `json:"dump_probe"`
	EventProbe      Probe    `json:"event_probe"`
	MinidumpCount   int      `json:"minidump_count"`
	MinidumpRecent  []string `json:"minidump_recent,omitempty"`
	DirtyShutdowns  int      `json:"dirty_shutdowns"`
	DiskErrorEvents int      `json:"disk_error_events"`
}

// ESPEvidence 是 EFI 系统分区可达性与文件系统证据。
type ESPEvidence struct {
	Probe      Probe  `json:"probe"`
	Designator string `json:"designator"`
	Reachable  bool   `json:"reachable"`
	FileSystem string `json:"file_system,omitempty"` // FAT32|NTFS|...
}

// Snapshot 是一次扫描的不可变证据快照。
//
// 约定：
// - 创建后任何阶段都不得修改；后续阶段只读取并派生新值
// - 每个证据组自带 Probe，采集失败记 unavailable(原因) 而不是中断整个扫描
// - 快照只属于产生它的这次扫描，不跨调用复用
type Snapshot struct {
	ScanID      string         `json:"scan_id"`
	TargetRoot  string         `json:"target_root"`
	WindowsDir  string         `json:"windows_dir"`
	Context     RuntimeContext `json:"context"`
	LiveTarget  bool           `json:"live_target"`
	CollectedAt int64          `json:"collected_at"`

	RootReachable bool `json:"root_reachable"`

	ESP        ESPEvidence        `json:"esp"`
	BootFiles  BootFilesEvidence  `json:"boot_files"`
	BCD        BCDEvidence        `json:"bcd"`
	Services   ServicesEvidence   `json:"services"`
	Pending    PendingOpsEvidence `json:"pending"`
	Firmware   FirmwareEvidence   `json:"firmware"`
	Encryption EncryptionEvidence `json:"encryption"`
	Power      PowerEvidence      `json:"power"`
	Builds     BuildEvidence      `json:"builds"`
	Hives      HiveEvidence       `json:"hives"`
	Recovery   RecoveryEvidence   `json:"recovery"`
	Stability  StabilityEvidence  `json:"stability"`

	Incomplete bool    `json:"incomplete"`
	Probes     []Probe `json:"probes"`
}

// Usable 判断快照是否可用：目标根可达，且至少一个证据组采集成功。
// 全部探针失败的快照无法支撑任何签名评估，调用方应按“无可用快照”退出。
func (s *Snapshot) Usable() bool {
	if s == nil || !s.RootReachable {
		return false
	}
	for _, p := range s.Probes {
		if p.Collected() {
			return true
		}
	}
	return false
}

// UnavailableProbes 返回所有采集失败的探针（报告摘要用）。
func (s *Snapshot) UnavailableProbes() []Probe {
	out := make([]Probe, 0, len(s.Probes))
	for _, p := range s.Probes {
		if !p.Collected() {
			out = append(out, p)
		}
	}
	return out
}
