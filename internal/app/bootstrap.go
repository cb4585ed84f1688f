package app

// Version/Commit/BuildTime 由构建时 -ldflags 注入，默认值便于开发态识别。
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// Config 存放应用级默认路径配置。
type Config struct {
	DBPath       string
	CatalogPath  string
	EvidenceRoot string
	ActionLogDir string
	LockDir      string
	BackupDir    string
	ExportDir    string
}

// DefaultConfig 返回本地运行的默认配置。
// 所有路径都相对于工作目录；WinRE/WinPE 下通常运行在 RAM 盘，调用方可按需覆盖。
func DefaultConfig() Config {
	return Config{
		DBPath:       "data/medic.db",
		CatalogPath:  "catalog/boot_signatures.yaml",
		EvidenceRoot: "data/evidence",
		ActionLogDir: "data/actionlog",
		LockDir:      "data/locks",
		BackupDir:    "data/backups",
		ExportDir:    "data/exports",
	}
}
