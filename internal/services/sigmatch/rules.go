package sigmatch

import (
	"fmt"
	"strings"

	"boot-medic/internal/domain/model"
)

// rule 是一条签名的判定逻辑。元数据（严重级别、置信度、动作映射）在 YAML 目录里，
// 这里只负责两件事：证据是否可评估、评估是否命中。
//
// 规则之间互相独立：只依赖快照字段，不依赖其他规则是否命中。
// 证据不可用时规则被跳过并留痕，跳过不等于排除。
type rule struct {
	id string

	// available 判断该规则依赖的证据组是否采集成功；false 时返回跳过原因。
	available func(s *model.Snapshot) (bool, string)

	// eval 在证据可用的前提下评估规则；命中时返回触发证据的字段副本。
	eval func(s *model.Snapshot) (map[string]string, bool)
}

func probeGate(name string, pick func(s *model.Snapshot) model.Probe) func(*model.Snapshot) (bool, string) {
	return func(s *model.Snapshot) (bool, string) {
		p := pick(s)
		if !p.Collected() {
			return false, fmt.Sprintf("%s evidence unavailable: %s", name, p.Reason)
		}
		return true, ""
	}
}

func bcdProbe(s *model.Snapshot) model.Probe        { return s.BCD.Probe }
func bcdEntriesProbe(s *model.Snapshot) model.Probe { return s.BCD.EntriesProbe }
func bootFilesProbe(s *model.Snapshot) model.Probe  { return s.BootFiles.Probe }
func servicesProbe(s *model.Snapshot) model.Probe   { return s.Services.Probe }

// builtinRules 是全部签名判定逻辑，按目录代号注册。
// 新增签名 = 在 YAML 目录加元数据 + 在这里加一条判定，互不触碰既有规则。
var builtinRules = []rule{
	{
		id: "boot_manager_missing",
		available: func(s *model.Snapshot) (bool, string) {
			if ok, reason := probeGate("boot files", bootFilesProbe)(s); !ok {
				return false, reason
			}
			if !s.ESP.Reachable {
				return false, "esp unreachable, boot manager presence not checkable"
			}
			return true, ""
		},
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			f, ok := s.BootFiles.FileByRole("boot_manager")
			if !ok || f.Exists || s.Firmware.Mode != "uefi" {
				return nil, false
			}
			return map[string]string{"path": f.Path, "firmware": s.Firmware.Mode}, true
		},
	},
	{
		id:        "boot_manager_zero_length",
		available: probeGate("boot files", bootFilesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			f, ok := s.BootFiles.FileByRole("boot_manager")
			if !ok || !f.Exists || !f.ZeroLength {
				return nil, false
			}
			return map[string]string{"path": f.Path, "size_bytes": "0"}, true
		},
	},
	{
		id: "bcd_store_missing",
		available: func(s *model.Snapshot) (bool, string) {
			if ok, reason := probeGate("bcd store", bcdProbe)(s); !ok {
				return false, reason
			}
			if !s.ESP.Reachable {
				return false, "esp unreachable, bcd store presence not checkable"
			}
			return true, ""
		},
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if s.BCD.StoreExists {
				return nil, false
			}
			return map[string]string{"store_path": s.BCD.StorePath}, true
		},
	},
	{
		id:        "bcd_store_zero_length",
		available: probeGate("bcd store", bcdProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if !s.BCD.StoreExists || s.BCD.StoreSize != 0 {
				return nil, false
			}
			return map[string]string{"store_path": s.BCD.StorePath, "size_bytes": "0"}, true
		},
	},
	{
		id:        "bcd_device_unbound",
		available: probeGate("bcd entries", bcdEntriesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			entry, ok := s.BCD.DefaultEntry()
			if !ok || boundDevice(entry.Device) {
				return nil, false
			}
			return map[string]string{"entry": entry.Identifier, "device": entry.Device}, true
		},
	},
	{
		id:        "bcd_osdevice_unbound",
		available: probeGate("bcd entries", bcdEntriesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			entry, ok := s.BCD.DefaultEntry()
			if !ok || boundDevice(entry.OSDevice) {
				return nil, false
			}
			return map[string]string{"entry": entry.Identifier, "osdevice": entry.OSDevice}, true
		},
	},
	{
		id:        "bcd_default_entry_missing",
		available: probeGate("bcd entries", bcdEntriesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if len(s.BCD.Entries) == 0 || s.BCD.HasDefault {
				return nil, false
			}
			return map[string]string{"entry_count": fmt.Sprintf("%d", len(s.BCD.Entries))}, true
		},
	},
	{
		id: "bcd_loader_path_mismatch",
		available: func(s *model.Snapshot) (bool, string) {
			if ok, reason := probeGate("bcd entries", bcdEntriesProbe)(s); !ok {
				return false, reason
			}
			return probeGate("firmware", func(s *model.Snapshot) model.Probe { return s.Firmware.Probe })(s)
		},
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			entry, ok := s.BCD.DefaultEntry()
			if !ok || s.Firmware.Mode != "uefi" {
				return nil, false
			}
			lower := strings.ToLower(entry.Path)
			if lower == "" || strings.HasSuffix(lower, "winload.efi") {
				return nil, false
			}
			return map[string]string{"entry": entry.Identifier, "path": entry.Path, "firmware": s.Firmware.Mode}, true
		},
	},
	{
		id: "secure_boot_test_signing",
		available: func(s *model.Snapshot) (bool, string) {
			if ok, reason := probeGate("secure boot", func(s *model.Snapshot) model.Probe { return s.Firmware.SecureBootProbe })(s); !ok {
				return false, reason
			}
			return probeGate("bcd entries", bcdEntriesProbe)(s)
		},
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if !s.Firmware.SecureBoot {
				return nil, false
			}
			for _, e := range s.BCD.Entries {
				if e.TestSigning || e.NoIntegrity {
					flag := "testsigning"
					if !e.TestSigning {
						flag = "nointegritychecks"
					}
					return map[string]string{"entry": e.Identifier, "flag": flag}, true
				}
			}
			return nil, false
		},
	},
	{
		id:        "winload_missing",
		available: probeGate("boot files", bootFilesProbe),
		eval:      missingBootFile("loader"),
	},
	{
		id:        "kernel_missing",
		available: probeGate("boot files", bootFilesProbe),
		eval:      missingBootFile("kernel"),
	},
	{
		id:        "boot_file_zero_length",
		available: probeGate("boot files", bootFilesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			for _, f := range s.BootFiles.Files {
				if f.Role == "boot_manager" {
					continue // 有专门的规则
				}
				if f.Exists && f.ZeroLength {
					return map[string]string{"role": f.Role, "path": f.Path, "size_bytes": "0"}, true
				}
			}
			return nil, false
		},
	},
	{
		id:        "storage_driver_disabled",
		available: probeGate("storage services", servicesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			for _, svc := range s.Services.Services {
				// StartOverride 有专门的规则；这里只看本体 Start 值被改掉的情况。
				if svc.StartOverride || svc.Start <= 0 {
					continue
				}
				if svc.Start >= 3 {
					return map[string]string{
						"service":      svc.Name,
						"registry_key": svc.RegistryPath,
						"start":        fmt.Sprintf("%d", svc.Start),
					}, true
				}
			}
			return nil, false
		},
	},
	{
		id:        "storage_start_override",
		available: probeGate("storage services", servicesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			for _, svc := range s.Services.Services {
				if svc.StartOverride {
					return map[string]string{
						"service":        svc.Name,
						"override_key":   svc.OverridePath,
						"override_value": fmt.Sprintf("%d", svc.OverrideValue),
					}, true
				}
			}
			return nil, false
		},
	},
	{
		id:        "storage_driver_file_missing",
		available: probeGate("storage services", servicesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			for _, svc := range s.Services.Services {
				if svc.ImagePath != "" && !svc.ImageExists {
					return map[string]string{"service": svc.Name, "image_path": svc.ImagePath}, true
				}
			}
			return nil, false
		},
	},
	{
		id:        "storage_driver_file_zero",
		available: probeGate("storage services", servicesProbe),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			for _, svc := range s.Services.Services {
				if svc.ImageExists && svc.ImageSize == 0 {
					return map[string]string{"service": svc.Name, "image_path": svc.ImagePath, "size_bytes": "0"}, true
				}
			}
			return nil, false
		},
	},
	{
		id:        "pending_file_renames",
		available: probeGate("pending renames", func(s *model.Snapshot) model.Probe { return s.Pending.RenamesProbe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if s.Pending.FileRenameCount == 0 {
				return nil, false
			}
			return map[string]string{
				"registry_key": s.Pending.SessionManagerKey,
				"entry_count":  fmt.Sprintf("%d", s.Pending.FileRenameCount),
				"sample":       strings.Join(s.Pending.FileRenameSample, "; "),
			}, true
		},
	},
	{
		id:        "component_store_pending",
		available: probeGate("component store", func(s *model.Snapshot) model.Probe { return s.Pending.StoreProbe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if !s.Pending.PendingXMLExists {
				return nil, false
			}
			return map[string]string{"pending_xml": s.Pending.PendingXMLPath}, true
		},
	},
	{
		id:        "component_store_lock",
		available: probeGate("component store", func(s *model.Snapshot) model.Probe { return s.Pending.StoreProbe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if len(s.Pending.LockFiles) == 0 {
				return nil, false
			}
			return map[string]string{
				"lock_count": fmt.Sprintf("%d", len(s.Pending.LockFiles)),
				"lock_files": strings.Join(s.Pending.LockFiles, "; "),
			}, true
		},
	},
	{
		id:        "fastboot_hiberfile_corrupt",
		available: probeGate("power", func(s *model.Snapshot) model.Probe { return s.Power.Probe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if !s.Power.FastStartup || !s.Power.HiberfileExists || s.Power.HiberfileSize != 0 {
				return nil, false
			}
			return map[string]string{"hiberfile": s.Power.HiberfilePath, "size_bytes": "0", "fast_startup": "1"}, true
		},
	},
	{
		id:        "system_hive_zero_length",
		available: probeGate("hives", func(s *model.Snapshot) model.Probe { return s.Hives.Probe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if !s.Hives.SystemExists || s.Hives.SystemSize != 0 {
				return nil, false
			}
			ev := map[string]string{"hive_path": s.Hives.SystemPath, "size_bytes": "0"}
			if s.Hives.BackupSystemOK {
				ev["regback_available"] = "1"
			}
			return ev, true
		},
	},
	{
		id:        "esp_not_fat32",
		available: probeGate("esp", func(s *model.Snapshot) model.Probe { return s.ESP.Probe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if !s.ESP.Reachable || s.ESP.FileSystem == "" || s.ESP.FileSystem == "FAT32" {
				return nil, false
			}
			return map[string]string{"esp": s.ESP.Designator, "file_system": s.ESP.FileSystem}, true
		},
	},
	{
		id:        "esp_unreachable",
		available: probeGate("esp", func(s *model.Snapshot) model.Probe { return s.ESP.Probe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if s.ESP.Reachable {
				return nil, false
			}
			return map[string]string{"esp": s.ESP.Designator}, true
		},
	},
	{
		id:        "winre_disabled",
		available: probeGate("recovery env", func(s *model.Snapshot) model.Probe { return s.Recovery.Probe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if s.Recovery.Enabled {
				return nil, false
			}
			return map[string]string{"status": "disabled"}, true
		},
	},
	{
		id:        "disk_io_errors",
		available: probeGate("event log", func(s *model.Snapshot) model.Probe { return s.Stability.EventProbe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if s.Stability.DiskErrorEvents == 0 {
				return nil, false
			}
			return map[string]string{"disk_error_events": fmt.Sprintf("%d", s.Stability.DiskErrorEvents)}, true
		},
	},
	{
		id:        "dirty_shutdown_events",
		available: probeGate("event log", func(s *model.Snapshot) model.Probe { return s.Stability.EventProbe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if s.Stability.DirtyShutdowns == 0 {
				return nil, false
			}
			return map[string]string{"dirty_shutdowns": fmt.Sprintf("%d", s.Stability.DirtyShutdowns)}, true
		},
	},
	{
		id:        "repeated_crash_dumps",
		available: probeGate("crash dumps", func(s *model.Snapshot) model.Probe { return s.Stability.DumpProbe }),
		eval: func(s *model.Snapshot) (map[string]string, bool) {
			if s.Stability.MinidumpCount < 3 {
				return nil, false
			}
			return map[string]string{
				"minidump_count": fmt.Sprintf("%d", s.Stability.MinidumpCount),
				"recent":         strings.Join(s.Stability.MinidumpRecent, "; "),
			}, true
		},
	},
}

func missingBootFile(role string) func(*model.Snapshot) (map[string]string, bool) {
	return func(s *model.Snapshot) (map[string]string, bool) {
		f, ok := s.BootFiles.FileByRole(role)
		if !ok || f.Exists {
			return nil, false
		}
		return map[string]string{"role": role, "path": f.Path}, true
	}
}

// boundDevice 判断 BCD 条目的 device/osdevice 是否处于有效绑定。
// bcdedit 对失效绑定显示 unknown 或空。
func boundDevice(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v != "" && v != "unknown" && v != "locate=unknown"
}
