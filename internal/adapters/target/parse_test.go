package target

import (
	"testing"

	"boot-medic/internal/domain/model"
)

func TestParseRegQuery(t *testing.T) {
	text := "HKEY_LOCAL_MACHINE\\SYSTEM\\CurrentControlSet\\Services\\stornvme\r\n" +
		"    Start    REG_DWORD    0x0\r\n" +
		"    ImagePath    REG_EXPAND_SZ    System32\\drivers\\stornvme.sys\r\n" +
		"\r\n" +
		"HKEY_LOCAL_MACHINE\\SYSTEM\\CurrentControlSet\\Services\\stornvme\\StartOverride\r\n" +
		"    0    REG_DWORD    0x4\r\n"

	sections := ParseRegQuery(text)
	if len(sections) != 2 {
		t.Fatalf("sections=%d want 2", len(sections))
	}

	start, ok := sections[0].Value("start")
	if !ok {
		t.Fatalf("Start value missing")
	}
	if start.Type != "REG_DWORD" || start.Data != "0x0" {
		t.Fatalf("Start=%+v", start)
	}
	img, ok := sections[0].Value("ImagePath")
	if !ok || img.Data != `System32\drivers\stornvme.sys` {
		t.Fatalf("ImagePath=%+v ok=%v", img, ok)
	}

	ov, ok := sections[1].Value("0")
	if !ok || ov.Data != "0x4" {
		t.Fatalf("StartOverride value=%+v ok=%v", ov, ok)
	}
}

func TestParseRegDword(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"0x0", 0, true},
		{"0x4", 4, true},
		{"0xA", 10, true},
		{"3", 3, true},
		{"", 0, false},
		{"garbage", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseRegDword(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("ParseRegDword(%q)=(%d,%v) want (%d,%v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestParseMultiSz(t *testing.T) {
	got := ParseMultiSz(`\??\C:\Temp\a.tmp\0\0\??\C:\Temp\b.tmp\0`)
	if len(got) != 2 {
		t.Fatalf("entries=%v", got)
	}
	if got[0] != `\??\C:\Temp\a.tmp` || got[1] != `\??\C:\Temp\b.tmp` {
		t.Fatalf("entries=%v", got)
	}
}

func TestParseBCDEnum(t *testing.T) {
	text := `Windows Boot Manager
--------------------
identifier              {bootmgr}
device                  partition=S:
path                    \EFI\Microsoft\Boot\bootmgfw.efi
description             Windows Boot Manager

Windows Boot Loader
-------------------
identifier              {default}
device                  partition=C:
path                    \Windows\system32\winload.efi
description             Windows 11
osdevice                partition=C:
testsigning             Yes
`
	entries := ParseBCDEnum(text)
	if len(entries) != 2 {
		t.Fatalf("entries=%d want 2", len(entries))
	}
	if entries[0].Identifier != "{bootmgr}" || entries[0].Path != `\EFI\Microsoft\Boot\bootmgfw.efi` {
		t.Fatalf("bootmgr entry=%+v", entries[0])
	}
	def := entries[1]
	if def.Identifier != "{default}" || def.Device != "partition=C:" || def.OSDevice != "partition=C:" {
		t.Fatalf("default entry=%+v", def)
	}
	if def.Path != `\Windows\system32\winload.efi` {
		t.Fatalf("default path=%q", def.Path)
	}
	if !def.TestSigning {
		t.Fatalf("testsigning not parsed: %+v", def)
	}
}

func TestParseBCDEnum_UnknownDevice(t *testing.T) {
	text := `identifier              {default}
device                  unknown
osdevice                unknown
path                    \Windows\system32\winload.efi
`
	entries := ParseBCDEnum(text)
	if len(entries) != 1 {
		t.Fatalf("entries=%d want 1", len(entries))
	}
	if entries[0].Device != "unknown" || entries[0].OSDevice != "unknown" {
		t.Fatalf("entry=%+v", entries[0])
	}
}

func TestParseEncryptionStatus(t *testing.T) {
	on := `BitLocker Drive Encryption: Configuration Tool
Volume C: [OS]
    Conversion Status:    Fully Encrypted
    Protection Status:    Protection On
`
	status, conv, prot := ParseEncryptionStatus(on)
	if status != model.EncryptionOn {
		t.Fatalf("status=%q want on", status)
	}
	if conv == "" || prot == "" {
		t.Fatalf("conv=%q prot=%q", conv, prot)
	}

	off := "Conversion Status: Fully Decrypted\nProtection Status: Protection Off\n"
	status, _, _ = ParseEncryptionStatus(off)
	if status != model.EncryptionOff {
		t.Fatalf("status=%q want off", status)
	}

	suspended := "Conversion Status: Fully Encrypted\nProtection Status: Protection Off (1 reboots left)\n"
	status, _, _ = ParseEncryptionStatus(suspended)
	if status != model.EncryptionSuspended {
		t.Fatalf("status=%q want suspended", status)
	}

	status, _, _ = ParseEncryptionStatus("not manage-bde output")
	if status != model.EncryptionUnknown {
		t.Fatalf("status=%q want unknown", status)
	}
}

func TestParseVolumeFileSystem(t *testing.T) {
	text := "Volume Name :\nVolume Serial Number : 0x1c2e3f4a\nFile System Name : NTFS\n"
	if got := ParseVolumeFileSystem(text); got != "NTFS" {
		t.Fatalf("got=%q want NTFS", got)
	}
	if got := ParseVolumeFileSystem("File System Name : fat32"); got != "FAT32" {
		t.Fatalf("got=%q want FAT32", got)
	}
	if got := ParseVolumeFileSystem("no such line"); got != "" {
		t.Fatalf("got=%q want empty", got)
	}
}

func TestParseBuildNumber(t *testing.T) {
	if got := ParseBuildNumber("Microsoft Windows [Version 10.0.26100.4652]"); got != 26100 {
		t.Fatalf("got=%d want 26100", got)
	}
	if got := ParseBuildNumber("22631"); got != 22631 {
		t.Fatalf("got=%d want 22631", got)
	}
	if got := ParseBuildNumber("n/a"); got != 0 {
		t.Fatalf("got=%d want 0", got)
	}
}

func TestParseReagentcInfo(t *testing.T) {
	text := `Windows Recovery Environment (Windows RE) and system reset configuration
Information:

    Windows RE status:         Enabled
    Windows RE location:       \\?\GLOBALROOT\device\harddisk0\partition4\Recovery\WindowsRE
`
	enabled, loc := ParseReagentcInfo(text)
	if !enabled {
		t.Fatalf("enabled=false")
	}
	if loc == "" {
		t.Fatalf("location empty")
	}

	enabled, _ = ParseReagentcInfo("    Windows RE status:         Disabled\n")
	if enabled {
		t.Fatalf("enabled=true for disabled output")
	}
}

func TestParseEventCount(t *testing.T) {
	text := "Event[0]:\n  Log Name: System\nEvent[1]:\n  Log Name: System\nEvent[2]:\n"
	if got := ParseEventCount(text); got != 3 {
		t.Fatalf("got=%d want 3", got)
	}
	if got := ParseEventCount(""); got != 0 {
		t.Fatalf("got=%d want 0", got)
	}
}
