package target

import (
	"regexp"
	"strconv"
	"strings"

	"boot-medic/internal/domain/model"
)

// 本文件集中放置对原生工具文本输出的解析器。
// 解析器都是纯函数：输入原始文本，输出结构化字段，便于脱离子进程单测。

// RegValue 是 reg query 输出中的一个值项。
type RegValue struct {
	Name string
	Type string // REG_DWORD / REG_SZ / REG_MULTI_SZ / ...
	Data string
}

// RegSection 是 reg query 输出中一个键及其值项。
type RegSection struct {
	Key    string
	Values []RegValue
}

// Value 按名称（大小写不敏感）取值项；不存在时第二个返回值为 false。
func (s RegSection) Value(name string) (RegValue, bool) {
	for _, v := range s.Values {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return RegValue{}, false
}

// ParseRegQuery 解析 reg query 的文本输出。
//
// 输出形如：
//
//	HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Services\stornvme
//	    Start    REG_DWORD    0x0
//	    ImagePath    REG_EXPAND_SZ    System32\drivers\stornvme.sys
//
//	HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Services\stornvme\StartOverride
//	    0    REG_DWORD    0x4
//
// 键行顶格，值行缩进且至少有“名称 类型 数据”三段（数据可含空格）。
func ParseRegQuery(text string) []RegSection {
	var out []RegSection
	var cur *RegSection

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			if strings.HasPrefix(strings.ToUpper(line), "HKEY_") || strings.HasPrefix(strings.ToUpper(line), "HKLM") {
				out = append(out, RegSection{Key: strings.TrimSpace(line)})
				cur = &out[len(out)-1]
			}
			continue
		}
		if cur == nil {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v := RegValue{Name: fields[0]}
		if len(fields) >= 2 && strings.HasPrefix(fields[1], "REG_") {
			v.Type = fields[1]
			v.Data = strings.Join(fields[2:], " ")
		} else {
			v.Data = strings.Join(fields[1:], " ")
		}
		cur.Values = append(cur.Values, v)
	}
	return out
}

// ParseRegDword 把 REG_DWORD 的数据段（0x0 / 0x4 / 十进制）转为整数。
func ParseRegDword(data string) (int, bool) {
	data = strings.TrimSpace(data)
	if data == "" {
		return 0, false
	}
	if strings.HasPrefix(strings.ToLower(data), "0x") {
		n, err := strconv.ParseInt(data[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	n, err := strconv.Atoi(data)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// ParseMultiSz 拆开 reg query 对 REG_MULTI_SZ 的单行展示（条目以 \0 分隔）。
func ParseMultiSz(data string) []string {
	parts := strings.Split(data, `\0`)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseBCDEnum 解析 bcdedit /enum all 的文本输出为条目列表。
//
// 对象之间以空行分隔；每个对象第一行是标题（Windows Boot Manager 等），
// 随后是分隔线与“名称 值”对。这里只提取引擎关心的字段。
func ParseBCDEnum(text string) []model.BCDEntry {
	var out []model.BCDEntry
	var cur *model.BCDEntry

	flush := func() {
		if cur != nil && cur.Identifier != "" {
			out = append(out, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "---") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}
		name := strings.ToLower(fields[0])
		value := strings.Join(fields[1:], " ")

		if name == "identifier" {
			if cur == nil {
				cur = &model.BCDEntry{}
			}
			cur.Identifier = value
			continue
		}
		if cur == nil {
			continue
		}
		switch name {
		case "description":
			cur.Description = value
		case "device":
			cur.Device = value
		case "osdevice":
			cur.OSDevice = value
		case "path":
			cur.Path = value
		case "testsigning":
			cur.TestSigning = strings.EqualFold(value, "Yes")
		case "nointegritychecks":
			cur.NoIntegrity = strings.EqualFold(value, "Yes")
		}
	}
	flush()
	return out
}

// ParseEncryptionStatus 解析 manage-bde -status 的输出。
//
// 判定口径：
// - Protection On                       -> on
// - Protection Off 且 Fully Decrypted   -> off（根本没加密）
// - Protection Off 且已加密             -> suspended（保护被挂起）
// - 识别不出                            -> unknown
func ParseEncryptionStatus(text string) (status model.EncryptionStatus, conversion, protection string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimRight(line, "\r"))
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "conversion status:") {
			conversion = strings.TrimSpace(trimmed[len("Conversion Status:"):])
		}
		if strings.HasPrefix(lower, "protection status:") {
			protection = strings.TrimSpace(trimmed[len("Protection Status:"):])
		}
	}

	protLower := strings.ToLower(protection)
	convLower := strings.ToLower(conversion)
	switch {
	case strings.Contains(protLower, "protection on"):
		return model.EncryptionOn, conversion, protection
	case strings.Contains(protLower, "protection off") && strings.Contains(convLower, "fully decrypted"):
		return model.EncryptionOff, conversion, protection
	case strings.Contains(protLower, "protection off"):
		return model.EncryptionSuspended, conversion, protection
	default:
		return model.EncryptionUnknown, conversion, protection
	}
}

// ParseVolumeFileSystem 从 fsutil fsinfo volumeinfo 输出取文件系统名。
func ParseVolumeFileSystem(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimRight(line, "\r"))
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "file system name") {
			if idx := strings.Index(trimmed, ":"); idx >= 0 {
				return strings.ToUpper(strings.TrimSpace(trimmed[idx+1:]))
			}
		}
	}
	return ""
}

var reVersionBuild = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// ParseBuildNumber 从版本字符串（cmd /c ver 输出或注册表值）提取内部版号。
// "Microsoft Windows [Version 10.0.26100.4652]" -> 26100；纯数字原样返回。
func ParseBuildNumber(text string) int {
	text = strings.TrimSpace(text)
	if n, err := strconv.Atoi(text); err == nil {
		return n
	}
	m := reVersionBuild.FindStringSubmatch(text)
	if len(m) == 4 {
		if n, err := strconv.Atoi(m[3]); err == nil {
			return n
		}
	}
	return 0
}

// ParseReagentcInfo 解析 reagentc /info 输出的 WinRE 启用状态与位置。
func ParseReagentcInfo(text string) (enabled bool, location string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimRight(line, "\r"))
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "windows re status:") {
			enabled = strings.Contains(lower, "enabled")
		}
		if strings.HasPrefix(lower, "windows re location:") {
			if idx := strings.Index(trimmed, ":"); idx >= 0 {
				location = strings.TrimSpace(trimmed[idx+1:])
			}
		}
	}
	return enabled, location
}

// ParseEventCount 统计 wevtutil qe /f:text 输出中的事件条数。
func ParseEventCount(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "Event[") {
			count++
		}
	}
	return count
}
