package execute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"boot-medic/internal/adapters/wincmd"
	"boot-medic/internal/domain/model"
	"boot-medic/internal/services/safety"
)

// Executor 逐条落实修复计划。
// 关键约定：
// - 安全闸门对每个动作在执行前重新裁决，不吃计划开始时的旧结论
// - apply 模式先抢目标卷锁，抢不到整次拒绝（日志记 [REFUSED]）
// - 致命动作失败后剩余动作全部 skipped；非致命失败记 warning 继续
// - 每个动作无论结局都落一行动作日志
type Executor struct {
	Run      wincmd.Runner
	Gate     safety.Gate
	Log      *Logger
	LockDir  string
	Operator string

	// EncVolume 与 EncProbe 服务于加密挂起前置条件：挂起动作执行后
	// 重探 BitLocker 状态再放行，不信任陈旧标志。
	EncVolume string
	EncProbe  func(ctx context.Context) model.EncryptionStatus

	// Mirror 把每条日志同步喂给第二个去向（SQLite 审计链镜像）。
	Mirror func(model.ActionLogEntry)

	Now func() time.Time
}

func (x *Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x *Executor) log(e model.ActionLogEntry, warnings *[]string) {
	if x.Log != nil {
		if err := x.Log.Append(e); err != nil {
			*warnings = append(*warnings, fmt.Sprintf("action log append failed: %v", err))
		}
	}
	if x.Mirror != nil {
		x.Mirror(e)
	}
}

// Execute 执行（或预演）整个计划，返回逐动作执行记录。
// 返回 ErrLockHeld 表示目标卷被并发会话占用，本次未执行任何动作。
func (x *Executor) Execute(ctx context.Context, scanID, targetRoot string, st model.SafetyState, planned []model.PlannedAction) ([]model.ExecutionRecord, []string, error) {
	warnings := []string{}
	mode := x.Gate.Intent

	if mode == model.IntentApply {
		lock, err := AcquireVolumeLock(x.LockDir, targetRoot, scanID, x.Operator)
		if err != nil {
			if errors.Is(err, ErrLockHeld) {
				x.log(model.ActionLogEntry{
					At: x.now().UnixMilli(), ScanID: scanID, Mode: mode,
					Marker: model.MarkRefused, Note: err.Error(),
				}, &warnings)
			}
			return nil, warnings, err
		}
		defer func() {
			if rerr := lock.Release(); rerr != nil {
				warnings = append(warnings, rerr.Error())
			}
		}()
	}

	records := make([]model.ExecutionRecord, 0, len(planned))
	fatalReason := ""

	for _, pa := range planned {
		rec := model.ExecutionRecord{
			Seq:       pa.Seq,
			Action:    pa.Action.Kind,
			StartedAt: x.now().UnixMilli(),
		}
		entry := model.ActionLogEntry{
			At: rec.StartedAt, ScanID: scanID, Mode: mode,
			Action: pa.Action.Kind, Command: pa.Action.CommandText,
		}

		switch {
		case ctx.Err() != nil:
			rec.Status = model.ExecSkipped
			rec.Reason = "skipped: cancelled"
			entry.Marker = model.MarkSkipped
			entry.Note = rec.Reason

		case fatalReason != "":
			rec.Status = model.ExecSkipped
			rec.Reason = "skipped: " + fatalReason
			entry.Marker = model.MarkSkipped
			entry.Note = rec.Reason

		case pa.Status == model.PlanStatusManual:
			rec.Status = model.ExecSkipped
			rec.Reason = pa.Action.Justification
			entry.Marker = model.MarkSkipped
			entry.Note = "manual intervention required"

		case pa.NoOp:
			rec.Status = model.ExecNoOp
			rec.Reason = pa.NoOpReason
			entry.Marker = model.MarkNoOp
			entry.Note = pa.NoOpReason

		default:
			d := x.Gate.Evaluate(st, pa.Action.Kind)
			if d.State == model.GateRequiresPrecondition {
				d = x.satisfyPreconditions(ctx, scanID, mode, &st, d, &warnings)
			}
			switch d.State {
			case model.GateBlocked, model.GateRequiresPrecondition:
				rec.Status = model.ExecSafetyBlocked
				rec.Reason = strings.Join(d.Reasons, "; ")
				entry.Marker = model.MarkBlocked
				entry.Note = rec.Reason

			default:
				if mode == model.IntentPreview {
					rec.Status = model.ExecWouldExecute
					entry.Marker = model.MarkWouldExecute
					entry.Note = pa.Action.Justification
					break
				}
				exit, output, err := x.runAction(ctx, pa.Action)
				rec.ExitCode = exit
				rec.Output = output
				if err != nil || exit != 0 {
					reason := fmt.Sprintf("exit code %d", exit)
					if err != nil {
						reason = err.Error()
					}
					entry.Marker = model.MarkFailed
					entry.Note = reason
					rec.Reason = reason
					if pa.Action.Kind.FatalOnFailure() {
						rec.Status = model.ExecFatal
						fatalReason = fmt.Sprintf("fatal failure of %s", pa.Action.Kind)
					} else {
						rec.Status = model.ExecWarning
						warnings = append(warnings, fmt.Sprintf("%s failed: %s", pa.Action.Kind, reason))
					}
				} else {
					rec.Status = model.ExecSuccess
					entry.Marker = model.MarkExecuted
					entry.Note = pa.Action.Justification
					if pa.Action.Kind == model.ActionSuspendEncryption {
						st.Encryption = x.reprobeEncryption(ctx)
					}
				}
			}
		}

		rec.FinishedAt = x.now().UnixMilli()
		records = append(records, rec)
		x.log(entry, &warnings)
	}

	return records, warnings, nil
}

// satisfyPreconditions 尝试在执行期满足闸门给出的前置条件。
// 只有加密挂起能自动满足（apply 模式）；构建差确认必须来自调用方，满足不了。
func (x *Executor) satisfyPreconditions(ctx context.Context, scanID string, mode model.Intent, st *model.SafetyState, d model.GateDecision, warnings *[]string) model.GateDecision {
	for _, p := range d.Preconditions {
		if p != model.PrecondSuspendEncryption {
			return d
		}
	}
	if mode != model.IntentApply {
		return d
	}

	suspend, err := model.NewSuspendEncryption(x.EncVolume)
	if err != nil {
		d.Reasons = append(d.Reasons, fmt.Sprintf("cannot suspend encryption: %v", err))
		return d
	}
	at := x.now().UnixMilli()
	exit, output, rerr := x.runAction(ctx, suspend)
	note := "suspending BitLocker protection before offline write"
	if rerr != nil || exit != 0 {
		note = fmt.Sprintf("suspension attempt failed (exit %d)", exit)
		if rerr != nil {
			note = "suspension attempt failed: " + rerr.Error()
		}
		_ = output
	}
	x.log(model.ActionLogEntry{
		At: at, ScanID: scanID, Mode: mode,
		Marker: model.MarkPrecondition, Action: suspend.Kind,
		Command: suspend.CommandText, Note: note,
	}, warnings)

	// 挂起后重探再裁决；探测不了就维持保守结论。
	st.Encryption = x.reprobeEncryption(ctx)
	if st.Encryption == model.EncryptionSuspended || st.Encryption == model.EncryptionOff {
		return model.GateDecision{State: model.GateClear}
	}
	d.Reasons = append(d.Reasons, fmt.Sprintf("encryption still %s after suspension attempt", st.Encryption))
	return d
}

func (x *Executor) reprobeEncryption(ctx context.Context) model.EncryptionStatus {
	if x.EncProbe == nil {
		return model.EncryptionUnknown
	}
	return x.EncProbe(ctx)
}

// runAction 落实单个动作：内建文件操作直接完成，其余走子进程。
func (x *Executor) runAction(ctx context.Context, a model.Action) (int, string, error) {
	if len(a.FileOps) > 0 {
		for _, op := range a.FileOps {
			if err := applyFileOp(op); err != nil {
				return 1, "", err
			}
		}
		return 0, "", nil
	}
	if len(a.Argv) == 0 {
		return 1, "", fmt.Errorf("action %s has no command", a.Kind)
	}
	res, err := x.Run.Run(ctx, a.Argv[0], a.Argv[1:]...)
	if err != nil {
		return 1, "", err
	}
	return res.ExitCode, res.Combined(), nil
}

func applyFileOp(op model.FileOp) error {
	switch op.Op {
	case "copy":
		if err := os.MkdirAll(filepath.Dir(op.Dst), 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", op.Dst, err)
		}
		src, err := os.Open(op.Src)
		if err != nil {
			return fmt.Errorf("open %s: %w", op.Src, err)
		}
		defer src.Close()
		dst, err := os.Create(op.Dst)
		if err != nil {
			return fmt.Errorf("create %s: %w", op.Dst, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return fmt.Errorf("copy to %s: %w", op.Dst, err)
		}
		return dst.Close()
	case "remove":
		err := os.Remove(op.Src)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", op.Src, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported file op: %s", op.Op)
	}
}
