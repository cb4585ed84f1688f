package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"boot-medic/internal/adapters/wincmd"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/platform/hash"
)

// ErrNoUsableSnapshot 表示采集没有得到任何可用证据（目标根不可达或全部探针失败）。
// 调用方据此走“无可用快照”退出路径（退出码 2）。
var ErrNoUsableSnapshot = errors.New("no usable snapshot")

// 注册表查询基键。恢复环境下由外围环境保证目标配置单元在此视图可见；
// 具体挂载方式属于进程边界内的细节，不进入引擎契约。
const (
	regSystemBase   = `HKLM\SYSTEM\CurrentControlSet`
	regSoftwareBase = `HKLM\SOFTWARE\Microsoft\Windows NT\CurrentVersion`
)

// 启动期存储驱动服务：这些服务任何一个被压制都可能导致 INACCESSIBLE_BOOT_DEVICE。
var storageServices = []string{"stornvme", "storahci", "iaStorV", "vmd"}

// Collector 按只读契约采集目标安装的证据快照。
//
// 约定：
// - 任何探针都不得改写系统状态（这使它可以无闸门地跑 preview）
// - 单个探针失败只把对应证据组标 unavailable，绝不中断其余探针
type Collector struct {
	Root string // 目标安装根（如 C:\ 或离线挂载点）
	ESP  string // EFI 系统分区盘符或挂载点（如 S:）
	Run  wincmd.Runner

	// SystemDrive 用于判断目标是否就是当前正在运行的系统盘。
	// 留空时取环境变量 SystemDrive。
	SystemDrive string
}

// Collect 运行全部探针并组装不可变快照。
// 返回 ErrNoUsableSnapshot 表示连一个证据组都没采到，快照不可用。
func (c *Collector) Collect(ctx context.Context, scanID string) (*model.Snapshot, error) {
	if c.Run == nil {
		c.Run = wincmd.ExecRunner{}
	}
	sysDrive := c.SystemDrive
	if sysDrive == "" {
		sysDrive = os.Getenv("SystemDrive")
	}

	snap := &model.Snapshot{
		ScanID:      scanID,
		TargetRoot:  c.Root,
		WindowsDir:  filepath.Join(c.Root, "Windows"),
		CollectedAt: time.Now().Unix(),
	}

	if _, err := os.Stat(c.Root); err != nil {
		snap.RootReachable = false
		snap.Incomplete = true
		snap.Probes = append(snap.Probes, model.UnavailableProbe("target_root", err.Error()))
		return snap, fmt.Errorf("target root %s: %w", c.Root, ErrNoUsableSnapshot)
	}
	snap.RootReachable = true
	snap.Probes = append(snap.Probes, model.CollectedProbe("target_root"))

	snap.Context = c.probeContext(ctx)
	snap.LiveTarget = snap.Context == model.RuntimeFullOS && sameVolume(c.Root, sysDrive)

	c.probeESP(ctx, snap)
	c.probeBootFiles(snap)
	c.probeBCD(ctx, snap)
	c.probeServices(ctx, snap)
	c.probePendingOps(ctx, snap)
	c.probeFirmware(ctx, snap)
	c.probeEncryption(ctx, snap)
	c.probePower(ctx, snap)
	c.probeBuilds(ctx, snap)
	c.probeHives(snap)
	c.probeRecovery(ctx, snap)
	c.probeStability(ctx, snap)

	for _, p := range snap.Probes {
		if !p.Collected() {
			snap.Incomplete = true
			break
		}
	}
	if !snap.Usable() {
		return snap, fmt.Errorf("all probes failed for %s: %w", c.Root, ErrNoUsableSnapshot)
	}
	return snap, nil
}

// probeContext 判断引擎当前运行环境：MiniNT 键只在 WinPE/WinRE 存在。
func (c *Collector) probeContext(ctx context.Context) model.RuntimeContext {
	res, err := c.Run.Run(ctx, "reg", "query", regSystemBase+`\Control\MiniNT`)
	if err != nil {
		return model.RuntimeUnknown
	}
	if res.ExitCode != 0 {
		return model.RuntimeFullOS
	}
	opts, err := c.Run.Run(ctx, "reg", "query", regSystemBase+`\Control`, "/v", "SystemStartOptions")
	if err == nil && strings.Contains(strings.ToUpper(opts.Combined()), "WINRE") {
		return model.RuntimeWinRE
	}
	return model.RuntimeWinPE
}

func (c *Collector) probeESP(ctx context.Context, snap *model.Snapshot) {
	ev := model.ESPEvidence{Designator: c.ESP}
	if _, err := os.Stat(espRoot(c.ESP)); err != nil {
		// 分区本身不可达也是一条证据，不算探针失败。
		ev.Reachable = false
		ev.Probe = model.CollectedProbe("esp")
		snap.ESP = ev
		snap.Probes = append(snap.Probes, ev.Probe)
		return
	}
	ev.Reachable = true

	res, err := c.Run.Run(ctx, "fsutil", "fsinfo", "volumeinfo", c.ESP)
	if err != nil {
		ev.Probe = model.UnavailableProbe("esp", "fsutil: "+err.Error())
	} else if res.ExitCode != 0 {
		ev.Probe = model.UnavailableProbe("esp", fmt.Sprintf("fsutil exit %d", res.ExitCode))
	} else {
		ev.FileSystem = ParseVolumeFileSystem(res.Combined())
		ev.Probe = model.CollectedProbe("esp")
	}
	snap.ESP = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probeBootFiles(snap *model.Snapshot) {
	sys32 := filepath.Join(snap.WindowsDir, "System32")
	targets := []struct {
		role string
		path string
	}{
		{"boot_manager", filepath.Join(espRoot(c.ESP), "EFI", "Microsoft", "Boot", "bootmgfw.efi")},
		{"loader", filepath.Join(sys32, "winload.efi")},
		{"kernel", filepath.Join(sys32, "ntoskrnl.exe")},
		{"hal", filepath.Join(sys32, "hal.dll")},
	}

	ev := model.BootFilesEvidence{Probe: model.CollectedProbe("boot_files")}
	for _, t := range targets {
		f := model.BootFile{Role: t.role, Path: t.path}
		info, err := os.Stat(t.path)
		if err == nil {
			f.Exists = true
			f.SizeBytes = info.Size()
			f.ZeroLength = info.Size() == 0
			if sum, _, herr := hash.File(t.path); herr == nil {
				f.SHA256 = sum
			}
		}
		ev.Files = append(ev.Files, f)
	}
	snap.BootFiles = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probeBCD(ctx context.Context, snap *model.Snapshot) {
	storePath := filepath.Join(espRoot(c.ESP), "EFI", "Microsoft", "Boot", "BCD")
	ev := model.BCDEvidence{StorePath: storePath}

	info, err := os.Stat(storePath)
	if err == nil {
		ev.StoreExists = true
		ev.StoreSize = info.Size()
	}
	ev.Probe = model.CollectedProbe("bcd_store")

	if !ev.StoreExists {
		ev.EntriesProbe = model.UnavailableProbe("bcd_entries", "store file absent")
	} else {
		res, rerr := c.Run.Run(ctx, "bcdedit", "/store", storePath, "/enum", "all")
		switch {
		case rerr != nil:
			ev.EntriesProbe = model.UnavailableProbe("bcd_entries", "bcdedit: "+rerr.Error())
		case res.ExitCode != 0:
			ev.EntriesProbe = model.UnavailableProbe("bcd_entries", fmt.Sprintf("bcdedit exit %d: %s", res.ExitCode, firstLine(res.Combined())))
		default:
			ev.Entries = ParseBCDEnum(res.Combined())
			_, ev.HasDefault = ev.DefaultEntry()
			ev.EntriesProbe = model.CollectedProbe("bcd_entries")
		}
	}
	snap.BCD = ev
	snap.Probes = append(snap.Probes, ev.Probe, ev.EntriesProbe)
}

func (c *Collector) probeServices(ctx context.Context, snap *model.Snapshot) {
	ev := model.ServicesEvidence{}
	ok := 0
	var lastErr string

	for _, name := range storageServices {
		key := regSystemBase + `\Services\` + name
		res, err := c.Run.Run(ctx, "reg", "query", key, "/s")
		if err != nil {
			lastErr = err.Error()
			continue
		}
		if res.ExitCode != 0 {
			// 服务键不存在（该机型没有这个控制器）不算失败，跳过即可。
			ok++
			continue
		}
		ok++

		svc := model.StorageService{Name: name, RegistryPath: key, Start: -1}
		for _, sec := range ParseRegQuery(res.Combined()) {
			if strings.EqualFold(sec.Key, key) {
				if v, found := sec.Value("Start"); found {
					if n, valid := ParseRegDword(v.Data); valid {
						svc.Start = n
					}
				}
				if v, found := sec.Value("ImagePath"); found {
					svc.ImagePath = v.Data
					img := resolveImagePath(snap.TargetRoot, v.Data)
					if info, serr := os.Stat(img); serr == nil {
						svc.ImageExists = true
						svc.ImageSize = info.Size()
					}
				}
				continue
			}
			if strings.EqualFold(sec.Key, key+`\StartOverride`) {
				svc.StartOverride = true
				svc.OverridePath = sec.Key
				if v, found := sec.Value("0"); found {
					if n, valid := ParseRegDword(v.Data); valid {
						svc.OverrideValue = n
					}
				}
			}
		}
		ev.Services = append(ev.Services, svc)
	}

	if ok == 0 {
		ev.Probe = model.UnavailableProbe("storage_services", "reg query failed: "+lastErr)
	} else {
		ev.Probe = model.CollectedProbe("storage_services")
	}
	snap.Services = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probePendingOps(ctx context.Context, snap *model.Snapshot) {
	ev := model.PendingOpsEvidence{
		SessionManagerKey: regSystemBase + `\Control\Session Manager`,
	}

	res, err := c.Run.Run(ctx, "reg", "query", ev.SessionManagerKey, "/v", "PendingFileRenameOperations")
	switch {
	case err != nil:
		ev.RenamesProbe = model.UnavailableProbe("pending_renames", "reg query: "+err.Error())
	case res.ExitCode != 0:
		// 值不存在 = 没有挂起改名。
		ev.RenamesProbe = model.CollectedProbe("pending_renames")
	default:
		for _, sec := range ParseRegQuery(res.Combined()) {
			if v, found := sec.Value("PendingFileRenameOperations"); found {
				entries := ParseMultiSz(v.Data)
				ev.FileRenameCount = len(entries)
				if len(entries) > 5 {
					entries = entries[:5]
				}
				ev.FileRenameSample = entries
			}
		}
		ev.RenamesProbe = model.CollectedProbe("pending_renames")
	}

	winsxs := filepath.Join(snap.WindowsDir, "WinSxS")
	pendingXML := filepath.Join(winsxs, "pending.xml")
	if _, serr := os.Stat(pendingXML); serr == nil {
		ev.PendingXMLExists = true
		ev.PendingXMLPath = pendingXML
	}
	entries, derr := os.ReadDir(winsxs)
	if derr != nil {
		ev.StoreProbe = model.UnavailableProbe("component_store", derr.Error())
	} else {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".lock") {
				ev.LockFiles = append(ev.LockFiles, filepath.Join(winsxs, e.Name()))
			}
		}
		ev.StoreProbe = model.CollectedProbe("component_store")
	}

	snap.Pending = ev
	snap.Probes = append(snap.Probes, ev.RenamesProbe, ev.StoreProbe)
}

func (c *Collector) probeFirmware(ctx context.Context, snap *model.Snapshot) {
	ev := model.FirmwareEvidence{Mode: "legacy"}
	if _, err := os.Stat(filepath.Join(espRoot(c.ESP), "EFI")); err == nil {
		ev.Mode = "uefi"
	} else if !snap.ESP.Reachable {
		ev.Mode = "unknown"
	}
	ev.Probe = model.CollectedProbe("firmware")

	res, err := c.Run.Run(ctx, "reg", "query", regSystemBase+`\Control\SecureBoot\State`, "/v", "UEFISecureBootEnabled")
	switch {
	case err != nil:
		ev.SecureBootProbe = model.UnavailableProbe("secure_boot", "reg query: "+err.Error())
	case res.ExitCode != 0:
		ev.SecureBootProbe = model.CollectedProbe("secure_boot")
	default:
		for _, sec := range ParseRegQuery(res.Combined()) {
			if v, found := sec.Value("UEFISecureBootEnabled"); found {
				if n, valid := ParseRegDword(v.Data); valid {
					ev.SecureBoot = n == 1
				}
			}
		}
		ev.SecureBootProbe = model.CollectedProbe("secure_boot")
	}

	snap.Firmware = ev
	snap.Probes = append(snap.Probes, ev.Probe, ev.SecureBootProbe)
}

func (c *Collector) probeEncryption(ctx context.Context, snap *model.Snapshot) {
	vol := volumeOf(c.Root)
	ev := model.EncryptionEvidence{Volume: vol, Status: model.EncryptionUnknown}

	res, err := c.Run.Run(ctx, "manage-bde", "-status", vol)
	switch {
	case err != nil:
		ev.Probe = model.UnavailableProbe("encryption", "manage-bde: "+err.Error())
	case res.ExitCode != 0:
		ev.Probe = model.UnavailableProbe("encryption", fmt.Sprintf("manage-bde exit %d: %s", res.ExitCode, firstLine(res.Combined())))
	default:
		ev.Status, ev.Conversion, ev.Protection = ParseEncryptionStatus(res.Combined())
		ev.Probe = model.CollectedProbe("encryption")
	}
	snap.Encryption = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probePower(ctx context.Context, snap *model.Snapshot) {
	ev := model.PowerEvidence{
		PowerKey:      regSystemBase + `\Control\Session Manager\Power`,
		HiberfilePath: filepath.Join(c.Root, "hiberfil.sys"),
	}

	res, err := c.Run.Run(ctx, "reg", "query", ev.PowerKey, "/v", "HiberbootEnabled")
	switch {
	case err != nil:
		ev.Probe = model.UnavailableProbe("power", "reg query: "+err.Error())
	case res.ExitCode != 0:
		ev.Probe = model.CollectedProbe("power")
	default:
		for _, sec := range ParseRegQuery(res.Combined()) {
			if v, found := sec.Value("HiberbootEnabled"); found {
				if n, valid := ParseRegDword(v.Data); valid {
					ev.FastStartup = n == 1
				}
			}
		}
		ev.Probe = model.CollectedProbe("power")
	}

	if info, serr := os.Stat(ev.HiberfilePath); serr == nil {
		ev.HiberfileExists = true
		ev.HiberfileSize = info.Size()
	}
	snap.Power = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probeBuilds(ctx context.Context, snap *model.Snapshot) {
	ev := model.BuildEvidence{}
	okTarget := false

	res, err := c.Run.Run(ctx, "reg", "query", regSoftwareBase, "/v", "CurrentBuildNumber")
	if err == nil && res.ExitCode == 0 {
		for _, sec := range ParseRegQuery(res.Combined()) {
			if v, found := sec.Value("CurrentBuildNumber"); found {
				ev.TargetBuild = ParseBuildNumber(v.Data)
				okTarget = ev.TargetBuild > 0
			}
		}
	}
	if nameRes, nerr := c.Run.Run(ctx, "reg", "query", regSoftwareBase, "/v", "ProductName"); nerr == nil && nameRes.ExitCode == 0 {
		for _, sec := range ParseRegQuery(nameRes.Combined()) {
			if v, found := sec.Value("ProductName"); found {
				ev.TargetName = v.Data
			}
		}
	}

	verRes, verr := c.Run.Run(ctx, "cmd", "/c", "ver")
	if verr == nil && verRes.ExitCode == 0 {
		ev.EnvBuild = ParseBuildNumber(verRes.Combined())
	}

	if okTarget && ev.EnvBuild > 0 {
		ev.Probe = model.CollectedProbe("builds")
	} else {
		ev.Probe = model.UnavailableProbe("builds", "build numbers not determined")
	}
	snap.Builds = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probeHives(snap *model.Snapshot) {
	cfg := filepath.Join(snap.WindowsDir, "System32", "config")
	ev := model.HiveEvidence{
		SystemPath:        filepath.Join(cfg, "SYSTEM"),
		RegBackSystemPath: filepath.Join(cfg, "RegBack", "SYSTEM"),
	}

	if info, err := os.Stat(ev.SystemPath); err == nil {
		ev.SystemExists = true
		ev.SystemSize = info.Size()
	}
	if info, err := os.Stat(filepath.Join(cfg, "SOFTWARE")); err == nil {
		ev.SoftwareExists = true
		ev.SoftwareSize = info.Size()
	}
	if info, err := os.Stat(filepath.Join(cfg, "RegBack")); err == nil && info.IsDir() {
		ev.BackupDirExists = true
		if binfo, berr := os.Stat(ev.RegBackSystemPath); berr == nil && binfo.Size() > 0 {
			ev.BackupSystemOK = true
		}
	}

	if _, err := os.Stat(cfg); err != nil {
		ev.Probe = model.UnavailableProbe("hives", err.Error())
	} else {
		ev.Probe = model.CollectedProbe("hives")
	}
	snap.Hives = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probeRecovery(ctx context.Context, snap *model.Snapshot) {
	ev := model.RecoveryEvidence{}
	res, err := c.Run.Run(ctx, "reagentc", "/info", "/target", snap.WindowsDir)
	switch {
	case err != nil:
		ev.Probe = model.UnavailableProbe("recovery_env", "reagentc: "+err.Error())
	case res.ExitCode != 0:
		ev.Probe = model.UnavailableProbe("recovery_env", fmt.Sprintf("reagentc exit %d", res.ExitCode))
	default:
		ev.Enabled, ev.Location = ParseReagentcInfo(res.Combined())
		ev.Probe = model.CollectedProbe("recovery_env")
	}
	snap.Recovery = ev
	snap.Probes = append(snap.Probes, ev.Probe)
}

func (c *Collector) probeStability(ctx context.Context, snap *model.Snapshot) {
	ev := model.StabilityEvidence{}

	dumpDir := filepath.Join(snap.WindowsDir, "Minidump")
	entries, err := os.ReadDir(dumpDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// 没有转储目录 = 没有近期转储。
		ev.DumpProbe = model.CollectedProbe("crash_dumps")
	case err != nil:
		ev.DumpProbe = model.UnavailableProbe("crash_dumps", err.Error())
	default:
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".dmp") {
				ev.MinidumpCount++
				if len(ev.MinidumpRecent) < 5 {
					ev.MinidumpRecent = append(ev.MinidumpRecent, e.Name())
				}
			}
		}
		ev.DumpProbe = model.CollectedProbe("crash_dumps")
	}

	// 6008 = 非正常关机；事件源 disk 的 7 号 = 坏块。只统计条数，不驱动硬件修复。
	dirty, derr := c.Run.Run(ctx, "wevtutil", "qe", "System", "/q:*[System[(EventID=6008)]]", "/c:20", "/f:text")
	diskErrs, serr := c.Run.Run(ctx, "wevtutil", "qe", "System", "/q:*[System[Provider[@Name='disk'] and (EventID=7)]]", "/c:20", "/f:text")
	if derr != nil || serr != nil || dirty.ExitCode != 0 || diskErrs.ExitCode != 0 {
		ev.EventProbe = model.UnavailableProbe("event_log", "wevtutil query failed")
	} else {
		ev.DirtyShutdowns = ParseEventCount(dirty.Combined())
		ev.DiskErrorEvents = ParseEventCount(diskErrs.Combined())
		ev.EventProbe = model.CollectedProbe("event_log")
	}

	snap.Stability = ev
	snap.Probes = append(snap.Probes, ev.DumpProbe, ev.EventProbe)
}

// espRoot 把盘符形式的 ESP 标识归一化为可 stat 的路径。
func espRoot(esp string) string {
	if strings.HasSuffix(esp, ":") {
		return esp + string(filepath.Separator)
	}
	return esp
}

// volumeOf 取路径的卷标识（C:\foo -> C:），无盘符时原样返回。
func volumeOf(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		return p[:2]
	}
	return strings.TrimRight(p, `\/`)
}

func sameVolume(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(volumeOf(a), volumeOf(b))
}

// resolveImagePath 把注册表里的驱动路径（可能省略盘符或带 \SystemRoot\ 前缀）
// 解析为目标根下的绝对路径。
func resolveImagePath(root, image string) string {
	image = strings.TrimSpace(image)
	lower := strings.ToLower(image)
	switch {
	case strings.HasPrefix(lower, `\systemroot\`):
		return filepath.Join(root, "Windows", image[len(`\systemroot\`):])
	case strings.HasPrefix(lower, `system32\`):
		return filepath.Join(root, "Windows", image)
	case len(image) >= 2 && image[1] == ':':
		return image
	default:
		return filepath.Join(root, "Windows", image)
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}
