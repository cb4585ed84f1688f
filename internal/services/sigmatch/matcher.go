package sigmatch

import (
	"fmt"
	"sort"

	catalogadapter "boot-medic/internal/adapters/catalog"
	"boot-medic/internal/domain/model"
)

// Matcher 把签名目录元数据与内置判定逻辑配对后，对快照做一轮完整评估。
type Matcher struct {
	loaded *catalogadapter.LoadedCatalog
	rules  map[string]rule
}

// Result 是一轮匹配的完整输出：命中与跳过分开，调用方能看到
// “没排除，只是没查成”的那部分。
type Result struct {
	Detections []model.Detection
	Skipped    []model.SkippedRule
}

// NewMatcher 构造匹配器并做目录-判定一致性校验：
// 启用的元数据没有判定逻辑、或判定逻辑没有元数据，都属于目录漂移，直接拒绝构造。
func NewMatcher(loaded *catalogadapter.LoadedCatalog) (*Matcher, error) {
	byID := make(map[string]rule, len(builtinRules))
	for _, r := range builtinRules {
		if _, dup := byID[r.id]; dup {
			return nil, fmt.Errorf("duplicate rule predicate: %s", r.id)
		}
		byID[r.id] = r
	}

	for _, sig := range loaded.Catalog.Signatures {
		if !sig.IsEnabled() {
			continue
		}
		if _, ok := byID[sig.ID]; !ok {
			return nil, fmt.Errorf("catalog drift: signature %s has no predicate", sig.ID)
		}
	}
	meta := make(map[string]struct{}, len(loaded.Catalog.Signatures))
	for _, sig := range loaded.Catalog.Signatures {
		meta[sig.ID] = struct{}{}
	}
	for id := range byID {
		if _, ok := meta[id]; !ok {
			return nil, fmt.Errorf("catalog drift: predicate %s has no catalog entry", id)
		}
	}

	return &Matcher{loaded: loaded, rules: byID}, nil
}

// Match 按目录顺序独立评估每条签名。
// 规则互不依赖、不去重因果关联的命中（叙事合成留给报告层），
// 结果按严重级别降序、置信度降序、ID 升序排序，保证确定性。
func (m *Matcher) Match(snap *model.Snapshot) Result {
	out := Result{
		Detections: []model.Detection{},
		Skipped:    []model.SkippedRule{},
	}

	for _, sig := range m.loaded.Catalog.Signatures {
		if !sig.IsEnabled() {
			continue
		}
		r := m.rules[sig.ID]

		if ok, reason := r.available(snap); !ok {
			out.Skipped = append(out.Skipped, model.SkippedRule{RuleID: sig.ID, Reason: reason})
			continue
		}

		evidence, fired := r.eval(snap)
		if !fired {
			continue
		}
		if evidence == nil {
			evidence = map[string]string{}
		}

		confidence := sig.Confidence
		if confidence == 0 {
			confidence = m.loaded.Catalog.Defaults.Confidence
		}
		remediation := make([]model.ActionKind, 0, len(sig.Actions))
		for _, a := range sig.Actions {
			remediation = append(remediation, model.ActionKind(a))
		}

		out.Detections = append(out.Detections, model.Detection{
			RuleID:      sig.ID,
			Title:       sig.Title,
			Description: sig.Description,
			Severity:    sig.Severity,
			Confidence:  confidence,
			Evidence:    evidence,
			Remediation: remediation,
		})
	}

	sort.SliceStable(out.Detections, func(i, j int) bool {
		a, b := out.Detections[i], out.Detections[j]
		if ra, rb := model.SeverityRank(a.Severity), model.SeverityRank(b.Severity); ra != rb {
			return ra > rb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.RuleID < b.RuleID
	})
	sort.SliceStable(out.Skipped, func(i, j int) bool {
		return out.Skipped[i].RuleID < out.Skipped[j].RuleID
	})

	return out
}
