package model

// CatalogDefaults 是签名目录的缺省参数：
// 单条签名未显式给出 confidence 时按这里取值。
type CatalogDefaults struct {
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

// SignatureSpec 是签名目录中一条签名的元数据（YAML）。
// 判定逻辑在代码侧按 ID 注册；元数据负责严重级别、置信度、
// 启停开关与“检出 → 动作”的静态版本化映射。
type SignatureSpec struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    Severity `yaml:"severity" json:"severity"`
	Confidence  float64  `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Evidence    []string `yaml:"evidence,omitempty" json:"evidence,omitempty"`
	Actions     []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// IsEnabled 未显式配置时默认启用。
func (s SignatureSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SignatureCatalog 是签名目录文件的整体结构。
type SignatureCatalog struct {
	Version     string          `yaml:"version" json:"version"`
	CatalogType string          `yaml:"catalog_type" json:"catalog_type"`
	UpdatedAt   string          `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	Defaults    CatalogDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Signatures  []SignatureSpec `yaml:"signatures" json:"signatures"`
}
