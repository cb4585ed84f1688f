package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"boot-medic/internal/domain/model"

	"gopkg.in/yaml.v3"
)

// Loader 负责从磁盘读取并校验签名目录文件。
type Loader struct {
	CatalogFile string
}

// LoadedCatalog 是加载后的签名目录与其文件哈希。
// 哈希随每次扫描落库并写入规范文档，目录漂移一眼可见。
type LoadedCatalog struct {
	Catalog model.SignatureCatalog
	SHA256  string
	Path    string
}

func NewLoader(catalogFile string) *Loader {
	return &Loader{CatalogFile: catalogFile}
}

// Load 读取签名目录并执行结构校验。
func (l *Loader) Load(ctx context.Context) (*LoadedCatalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(l.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("read signature catalog: %w", err)
	}

	var cat model.SignatureCatalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse signature catalog: %w", err)
	}
	if err := validateCatalog(cat); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	return &LoadedCatalog{
		Catalog: cat,
		SHA256:  hex.EncodeToString(sum[:]),
		Path:    l.CatalogFile,
	}, nil
}

// SignatureByID 按签名 ID 查元数据；不存在时第二个返回值为 false。
func (c *LoadedCatalog) SignatureByID(id string) (model.SignatureSpec, bool) {
	for _, sig := range c.Catalog.Signatures {
		if sig.ID == id {
			return sig, true
		}
	}
	return model.SignatureSpec{}, false
}

// validateCatalog 检查签名目录的完整性与唯一性：
// ID 唯一、严重级别在词汇表内、置信度在 [0,1]、动作名都在封闭动作集合内。
func validateCatalog(cat model.SignatureCatalog) error {
	if strings.TrimSpace(cat.Version) == "" {
		return errors.New("signature catalog: version is required")
	}
	if strings.TrimSpace(cat.CatalogType) == "" {
		return errors.New("signature catalog: catalog_type is required")
	}
	if len(cat.Signatures) == 0 {
		return errors.New("signature catalog: signatures is empty")
	}
	if cat.Defaults.Confidence < 0 || cat.Defaults.Confidence > 1 {
		return fmt.Errorf("signature catalog: defaults.confidence out of range: %v", cat.Defaults.Confidence)
	}

	seen := make(map[string]struct{}, len(cat.Signatures))
	for _, sig := range cat.Signatures {
		sid := strings.TrimSpace(sig.ID)
		if sid == "" {
			return errors.New("signature catalog: signature id is required")
		}
		if _, ok := seen[sid]; ok {
			return fmt.Errorf("signature catalog: duplicate signature id: %s", sid)
		}
		seen[sid] = struct{}{}

		if strings.TrimSpace(sig.Title) == "" {
			return fmt.Errorf("signature catalog: title is required: %s", sid)
		}
		if !model.ValidSeverity(sig.Severity) {
			return fmt.Errorf("signature catalog: invalid severity %q: %s", sig.Severity, sid)
		}
		if sig.Confidence < 0 || sig.Confidence > 1 {
			return fmt.Errorf("signature catalog: confidence out of range %v: %s", sig.Confidence, sid)
		}
		for _, a := range sig.Actions {
			if !model.ValidActionKind(model.ActionKind(a)) {
				return fmt.Errorf("signature catalog: unknown action kind %q: %s", a, sid)
			}
		}
	}
	return nil
}
