package report

import (
	"encoding/json"
	"fmt"

	"boot-medic/internal/domain/model"
)

// Input 汇集一次扫描的全部产出，Build 据此装配规范化文档。
type Input struct {
	EngineVersion      string
	CatalogFingerprint string
	ScanID             string
	GeneratedAt        int64
	Mode               model.Intent
	Operator           string

	Snapshot       *model.Snapshot
	EvidencePath   string
	EvidenceSHA256 string

	Detections []model.Detection
	Skipped    []model.SkippedRule

	Safety      model.SafetyState
	SafetyNotes []string

	Plan      []model.PlannedAction
	Execution []model.ExecutionRecord

	Errors   []model.DocumentError
	Warnings []string
}

// Build 装配规范化扫描文档。所有集合字段保证非 nil，
// 序列化端不需要再做空值兜底。
func Build(in Input) model.ScanDocument {
	doc := model.ScanDocument{
		Schema:             model.DocumentSchema,
		EngineVersion:      in.EngineVersion,
		CatalogFingerprint: in.CatalogFingerprint,
		ScanID:             in.ScanID,
		GeneratedAt:        in.GeneratedAt,
		Mode:               string(in.Mode),
		Detections:         in.Detections,
		SkippedRules:       in.Skipped,
		Plan:               in.Plan,
		Execution:          in.Execution,
		Errors:             in.Errors,
		Warnings:           in.Warnings,
	}

	doc.Safety = model.SafetySummary{
		LiveTarget:  in.Safety.LiveTarget,
		Encryption:  string(in.Safety.Encryption),
		EnvBuild:    in.Safety.EnvBuild,
		TargetBuild: in.Safety.TargetBuild,
		Notes:       in.SafetyNotes,
	}

	if s := in.Snapshot; s != nil {
		doc.Target = model.TargetSummary{
			Root:     s.TargetRoot,
			ESP:      s.ESP.Designator,
			Context:  string(s.Context),
			Live:     s.LiveTarget,
			Operator: in.Operator,
		}
		doc.Snapshot = model.SnapshotSummary{
			CollectedAt:    s.CollectedAt,
			Incomplete:     s.Incomplete,
			ProbeCount:     len(s.Probes),
			Unavailable:    s.UnavailableProbes(),
			EvidencePath:   in.EvidencePath,
			EvidenceSHA256: in.EvidenceSHA256,
		}
	} else {
		doc.Target = model.TargetSummary{Operator: in.Operator}
	}

	doc.Narrative = Narrative(in.Snapshot, in.Detections, in.Plan)

	// 集合字段统一非 nil。
	if doc.Detections == nil {
		doc.Detections = []model.Detection{}
	}
	if doc.SkippedRules == nil {
		doc.SkippedRules = []model.SkippedRule{}
	}
	if doc.Plan == nil {
		doc.Plan = []model.PlannedAction{}
	}
	if doc.Execution == nil {
		doc.Execution = []model.ExecutionRecord{}
	}
	if doc.Errors == nil {
		doc.Errors = []model.DocumentError{}
	}
	if doc.Warnings == nil {
		doc.Warnings = []string{}
	}
	if doc.Safety.Notes == nil {
		doc.Safety.Notes = []string{}
	}
	if doc.Snapshot.Unavailable == nil {
		doc.Snapshot.Unavailable = []model.Probe{}
	}
	return doc
}

// Normalize 归零挥发字段，剩余内容即可做跨调用字节级比较。
// 挥发字段：扫描 ID、全部时间戳、证据落盘路径与哈希。
func Normalize(doc model.ScanDocument) model.ScanDocument {
	doc.ScanID = ""
	doc.GeneratedAt = 0
	doc.Snapshot.CollectedAt = 0
	doc.Snapshot.EvidencePath = ""
	doc.Snapshot.EvidenceSHA256 = ""
	exec := make([]model.ExecutionRecord, len(doc.Execution))
	copy(exec, doc.Execution)
	for i := range exec {
		exec[i].StartedAt = 0
		exec[i].FinishedAt = 0
	}
	doc.Execution = exec
	return doc
}

// Encode 序列化规范化文档（两空格缩进、末尾换行）。
// 文档是引擎唯一输出形态，所有渲染端消费同一份字节。
func Encode(doc model.ScanDocument) ([]byte, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode scan document: %w", err)
	}
	return append(raw, '\n'), nil
}
