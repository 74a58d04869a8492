// ============================================================================
// hdlrun 設定 - YAML 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 設定、套用預設值並驗證
//
// 設定來源優先順序:
//   1. 命令列旗標（由 internal/cli 覆蓋）
//   2. 設定檔（預設 hdlrun.yaml，不存在時使用預設值）
//   3. Default()
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Verbosity 主控台輸出詳細程度
type Verbosity string

const (
	VerbosityQuiet   Verbosity = "quiet"
	VerbosityNormal  Verbosity = "normal"
	VerbosityVerbose Verbosity = "verbose"
)

// JUnit XML 格式
const (
	XUnitJenkins = "jenkins"
	XUnitBamboo  = "bamboo"
)

// ErrInvalidConfig 設定值不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 完整的工具設定，透過 YAML 標籤對應設定檔欄位
type Config struct {
	OutputPath          string    `yaml:"output_path"`
	Manifest            string    `yaml:"manifest"`
	Threads             int       `yaml:"threads"`
	FailFast            bool      `yaml:"fail_fast"`
	Verbosity           Verbosity `yaml:"verbosity"`
	NoColor             bool      `yaml:"no_color"`
	Exit0               bool      `yaml:"exit_0"`
	DontCatchExceptions bool      `yaml:"dont_catch_exceptions"`
	Clean               bool      `yaml:"clean"`
	KeepCompiling       bool      `yaml:"keep_compiling"`
	UniqueSim           bool      `yaml:"unique_sim"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Compiler struct {
		Command []string       `yaml:"command"`
		Options CompileOptions `yaml:"options"`
	} `yaml:"compiler"`

	Simulator struct {
		Command       []string      `yaml:"command"`
		ValidExitCode bool          `yaml:"valid_exit_code"`
		Timeout       time.Duration `yaml:"timeout"`
		Options       SimOptions    `yaml:"options"`
	} `yaml:"simulator"`

	Paths struct {
		Short     bool `yaml:"short"`
		Limit     bool `yaml:"limit"` // 依 max_length 截斷目錄名稱，Windows 預設開啟
		MaxLength int  `yaml:"max_length"`
		Margin    int  `yaml:"margin"`
	} `yaml:"paths"`

	Export struct {
		XUnitXML    string `yaml:"xunit_xml"`
		XUnitFormat string `yaml:"xunit_format"`
		JSON        string `yaml:"json"`
	} `yaml:"export"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

// Default 回傳預設設定
func Default() *Config {
	cfg := &Config{
		OutputPath: "hdlrun_out",
		Manifest:   "hdlrun.hcl",
		Threads:    1,
		Verbosity:  VerbosityNormal,
	}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"
	cfg.Simulator.ValidExitCode = true
	cfg.Paths.Limit = runtime.GOOS == "windows"
	cfg.Paths.MaxLength = 260
	cfg.Paths.Margin = 100
	cfg.Export.XUnitFormat = XUnitJenkins
	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	return cfg
}

// Load 讀取設定檔；檔案不存在時回傳預設設定
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("%w: threads must be >= 1, got %d", ErrInvalidConfig, c.Threads)
	}

	switch c.Verbosity {
	case VerbosityQuiet, VerbosityNormal, VerbosityVerbose:
	default:
		return fmt.Errorf("%w: verbosity %q", ErrInvalidConfig, c.Verbosity)
	}

	switch c.Export.XUnitFormat {
	case XUnitJenkins, XUnitBamboo:
	default:
		return fmt.Errorf("%w: xunit_format %q", ErrInvalidConfig, c.Export.XUnitFormat)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Log.Format)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Paths.MaxLength > 0 && c.Paths.Margin >= c.Paths.MaxLength {
		return fmt.Errorf("%w: paths.margin must be smaller than paths.max_length", ErrInvalidConfig)
	}
	return nil
}
