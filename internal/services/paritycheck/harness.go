package paritycheck

import (
	"bytes"
	"context"
	"fmt"

	"boot-medic/internal/domain/model"
	"boot-medic/internal/services/report"

	"github.com/google/go-cmp/cmp"
)

// RunOnce 产出一份规范化文档（通常包一层 diagnose.Run 的 preview 调用）。
type RunOnce func(ctx context.Context) (model.ScanDocument, error)

// Result 是一次对比的结论。
type Result struct {
	Equal bool   `json:"equal"`
	Diff  string `json:"diff,omitempty"`
}

// Compare 对同一目标连续跑两次预演，归一化后做字节级比较。
// 预演不落任何变更，两次输出必须一致；不一致说明某个阶段漏排序、
// 吃了未固化的环境输入，Diff 直接指出第一处分歧字段。
func Compare(ctx context.Context, run RunOnce) (*Result, error) {
	first, err := run(ctx)
	if err != nil {
		return nil, fmt.Errorf("first run: %w", err)
	}
	second, err := run(ctx)
	if err != nil {
		return nil, fmt.Errorf("second run: %w", err)
	}
	return Diff(first, second)
}

// Diff 归一化两份文档并比较。字节级相等是结论依据；
// 不等时用结构化 diff 辅助定位，但判定不依赖 diff 实现。
func Diff(a, b model.ScanDocument) (*Result, error) {
	na := report.Normalize(a)
	nb := report.Normalize(b)

	rawA, err := report.Encode(na)
	if err != nil {
		return nil, err
	}
	rawB, err := report.Encode(nb)
	if err != nil {
		return nil, err
	}

	if bytes.Equal(rawA, rawB) {
		return &Result{Equal: true}, nil
	}
	return &Result{
		Equal: false,
		Diff:  cmp.Diff(na, nb),
	}, nil
}
