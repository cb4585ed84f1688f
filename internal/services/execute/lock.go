package execute

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockHeld 表示目标卷已被另一次修复会话占用。
var ErrLockHeld = errors.New("target volume lock held by another session")

// lockHolder 是写进锁文件的持有者元数据，供人工排障时辨认对端。
type lockHolder struct {
	PID        int    `json:"pid"`
	ScanID     string `json:"scan_id"`
	Operator   string `json:"operator,omitempty"`
	AcquiredAt string `json:"acquired_at"`
}

// VolumeLock 是目标卷的建议性互斥锁。
// 只约束本引擎的并发会话；实现是锁目录下的独占创建文件，
// 陈旧锁（进程崩溃残留）由人工删除，引擎不做自动抢占。
type VolumeLock struct {
	path string
}

// AcquireVolumeLock 以 O_EXCL 语义抢占目标卷锁。
// 已被占用时返回 ErrLockHeld，并在错误链上带上现持有者信息（能读到的话）。
func AcquireVolumeLock(lockDir, targetRoot, scanID, operator string) (*VolumeLock, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(lockDir, "volume_"+VolumeKey(targetRoot)+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if raw, rerr := os.ReadFile(path); rerr == nil {
				var h lockHolder
				if json.Unmarshal(raw, &h) == nil && h.ScanID != "" {
					return nil, fmt.Errorf("%w (scan %s, pid %d, since %s)", ErrLockHeld, h.ScanID, h.PID, h.AcquiredAt)
				}
			}
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("acquire volume lock: %w", err)
	}
	defer f.Close()

	h := lockHolder{
		PID:        os.Getpid(),
		ScanID:     scanID,
		Operator:   operator,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock holder: %w", err)
	}
	return &VolumeLock{path: path}, nil
}

// Release 释放锁。重复释放是无害的。
func (l *VolumeLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release volume lock: %w", err)
	}
	return nil
}
