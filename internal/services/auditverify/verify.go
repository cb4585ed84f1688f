package auditverify

import (
	"fmt"
	"strings"

	"boot-medic/internal/domain/model"
	"boot-medic/internal/platform/hash"
)

// FailureItem 表示一次审计链校验失败的明细项（用于 CLI/Web 展示）。
type FailureItem struct {
	Index int `json:"index"`

	EventID    string `json:"event_id"`
	OccurredAt int64  `json:"occurred_at"`
	Marker     string `json:"marker"`
	Action     string `json:"action"`

	// PrevHashMismatch 表示当前记录的 chain_prev_hash 与上一条记录 chain_hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// ChainHashMismatch 表示当前记录 chain_hash 与按公式重算的值不一致。
	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是审计链强校验结果。
type Result struct {
	OK bool `json:"ok"`

	Total int `json:"total"`

	Failed          int `json:"failed"`
	PrevHashFailed  int `json:"prev_hash_failed"`
	ChainHashFailed int `json:"chain_hash_failed"`

	LastChainHash string `json:"last_chain_hash,omitempty"`

	Failures []FailureItem `json:"failures,omitempty"`
}

// VerifyActionEvents 对单次扫描的 action_events 做强校验：
// 1) chain_prev_hash 连续性
// 2) 重算 chain_hash 并与存量字段对比
//
// 校验公式必须与 Store.AppendActionEvent 保持一致。
func VerifyActionEvents(events []model.ActionEventRow) Result {
	res := Result{
		OK:       true,
		Total:    len(events),
		Failures: []FailureItem{},
	}

	prev := ""
	for i, it := range events {
		expectedPrev := prev
		actualPrev := strings.TrimSpace(it.ChainPrevHash)

		expectedChain := hash.Text(
			expectedPrev,
			it.ScanID,
			it.Mode,
			it.Marker,
			it.Action,
			it.Command,
			it.Note,
			fmt.Sprintf("%d", it.OccurredAt),
		)
		actualChain := strings.TrimSpace(it.ChainHash)

		prevMismatch := actualPrev != expectedPrev
		chainMismatch := actualChain != expectedChain

		if prevMismatch || chainMismatch {
			res.OK = false
			res.Failed++
			if prevMismatch {
				res.PrevHashFailed++
			}
			if chainMismatch {
				res.ChainHashFailed++
			}

			msg := ""
			switch {
			case prevMismatch && chainMismatch:
				msg = "chain_prev_hash and chain_hash mismatch"
			case prevMismatch:
				msg = "chain_prev_hash mismatch"
			case chainMismatch:
				msg = "chain_hash mismatch"
			}

			res.Failures = append(res.Failures, FailureItem{
				Index:      i,
				EventID:    it.EventID,
				OccurredAt: it.OccurredAt,
				Marker:     it.Marker,
				Action:     it.Action,

				PrevHashMismatch: prevMismatch,
				ExpectedPrevHash: expectedPrev,
				ActualPrevHash:   actualPrev,

				ChainHashMismatch: chainMismatch,
				ExpectedChainHash: expectedChain,
				ActualChainHash:   actualChain,

				Message: msg,
			})
		}

		// 链推进：以“数据库中记录的 chain_hash”为准，这样可以把“错误链”继续向后验证并定位更多异常。
		prev = actualChain
		res.LastChainHash = actualChain
	}

	return res
}
