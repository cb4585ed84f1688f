package execute

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"boot-medic/internal/domain/model"
)

// Logger 维护目标卷的追加式动作日志文件。
// 文件按卷分片（target_<卷键>.log），只追加不改写，独立于 JSON 文档存在，
// 面向支持与审计人员直接阅读。
type Logger struct {
	mu   sync.Mutex
	path string
}

// VolumeKey 把目标根路径压成文件名安全的卷键（C: → C、挂载路径取末段）。
func VolumeKey(targetRoot string) string {
	s := strings.TrimRight(targetRoot, `\/`)
	if len(s) >= 2 && s[1] == ':' {
		return strings.ToUpper(s[:1])
	}
	s = filepath.Base(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// NewLogger 打开（必要时创建）目标卷对应的动作日志。
func NewLogger(dir, targetRoot string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create action log dir: %w", err)
	}
	return &Logger{
		path: filepath.Join(dir, "target_"+VolumeKey(targetRoot)+".log"),
	}, nil
}

// Path 返回日志文件路径（进支持包与报告引用）。
func (l *Logger) Path() string { return l.path }

// Append 追加一行。每次追加独立打开文件，崩溃窗口里最多丢当前行。
func (l *Logger) Append(e model.ActionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatEntry(e) + "\n"); err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

// FormatEntry 把日志条目渲染成固定字段顺序的单行文本。
// 扫描级条目（开始/结束/拒绝）没有动作，action 与 risk 字段写 "-" 占位。
func FormatEntry(e model.ActionLogEntry) string {
	at := time.UnixMilli(e.At).UTC().Format(time.RFC3339)
	action := "-"
	risk := "-"
	if e.Action != "" {
		action = string(e.Action)
		risk = string(e.Action.Risk())
	}
	if e.Risk != "" {
		risk = string(e.Risk)
	}
	return fmt.Sprintf("%s %s scan=%s mode=%s action=%s risk=%s cmd=%q note=%q",
		at, e.Marker, e.ScanID, e.Mode, action, risk, e.Command, e.Note)
}
