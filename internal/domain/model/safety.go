package model

// Intent 是调用方声明的意图：仅预演，或真正落地。
type Intent string

const (
	IntentPreview Intent = "preview"
	IntentApply   Intent = "apply"
)

// EncryptionStatus 是目标卷 BitLocker 状态的固定词汇表。
type EncryptionStatus string

const (
	EncryptionOff       EncryptionStatus = "off"
	EncryptionOn        EncryptionStatus = "on"
	EncryptionSuspended EncryptionStatus = "suspended"
	EncryptionUnknown   EncryptionStatus = "unknown"
)

// SafetyState 是执行环境的短生命周期事实：每次评估前新取，从不落盘。
// 字段不可知时用 Known 标志区分“确实否”与“查不出”，闸门按保守侧处理。
type SafetyState struct {
	LiveTarget  bool
	LiveKnown   bool
	Encryption  EncryptionStatus
	EnvBuild    int
	TargetBuild int
	BuildsKnown bool
}

// GateState 是安全闸门对单个动作的裁决状态。
type GateState string

const (
	GateClear                GateState = "clear"
	GateRequiresPrecondition GateState = "requires_precondition"
	GateBlocked              GateState = "blocked"
)

// PreconditionKind 是闸门要求的前置条件种类。
type PreconditionKind string

const (
	// PrecondSuspendEncryption 先挂起 BitLocker，执行器可自动完成并复查。
	PrecondSuspendEncryption PreconditionKind = "suspend_encryption"
	// PrecondAcknowledgeBuildGap 恢复环境比目标系统旧，需要调用方显式放行。
	PrecondAcknowledgeBuildGap PreconditionKind = "acknowledge_build_gap"
)

// GateDecision 是闸门对一个动作的完整裁决。
type GateDecision struct {
	State         GateState          `json:"state"`
	Preconditions []PreconditionKind `json:"preconditions,omitempty"`
	Reasons       []string           `json:"reasons,omitempty"`
}
