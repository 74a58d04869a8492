package config

// ============================================================================
// 封閉選項集合
// 職責：
// 1. 以結構體表示每個檔案的編譯選項與每個 suite 的模擬選項
// 2. 只接受列舉的選項名稱，未知名稱在使用點即被拒絕
// 3. 型別錯誤同樣在 Set 時回報
// ============================================================================

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

var (
	// ErrUnknownOption 選項名稱不在列舉範圍內
	ErrUnknownOption = errors.New("unknown option")
	// ErrInvalidOptionValue 選項值型別不符
	ErrInvalidOptionValue = errors.New("invalid option value")
)

// 編譯選項名稱
const (
	CompileFlags            = "compile.flags"
	CompileDefines          = "compile.defines"
	CompileIncludeDirs      = "compile.include_dirs"
	CompileWarningsAsErrors = "compile.warnings_as_errors"
)

// 模擬選項名稱
const (
	SimFlags          = "sim.flags"
	SimElaborateFlags = "sim.elaborate_flags"
	SimGenerics       = "sim.generics"
	SimTimeout        = "sim.timeout"
	SimDisableIEEE    = "sim.disable_ieee_warnings"
)

// CompileOptionNames 所有合法的編譯選項名稱
var CompileOptionNames = []string{CompileFlags, CompileDefines, CompileIncludeDirs, CompileWarningsAsErrors}

// SimOptionNames 所有合法的模擬選項名稱
var SimOptionNames = []string{SimFlags, SimElaborateFlags, SimGenerics, SimTimeout, SimDisableIEEE}

// CompileOptions 單一原始檔的編譯選項
//
// 選項會進入內容雜湊，變更選項會觸發重新編譯。
type CompileOptions struct {
	Flags            []string          `yaml:"flags" json:"flags,omitempty"`
	Defines          map[string]string `yaml:"defines" json:"defines,omitempty"`
	IncludeDirs      []string          `yaml:"include_dirs" json:"include_dirs,omitempty"`
	WarningsAsErrors bool              `yaml:"warnings_as_errors" json:"warnings_as_errors,omitempty"`
}

// Set 依名稱設定選項
func (o *CompileOptions) Set(name string, value any) error {
	var err error
	switch name {
	case CompileFlags:
		o.Flags, err = asStrings(name, value)
	case CompileDefines:
		o.Defines, err = asStringMap(name, value)
	case CompileIncludeDirs:
		o.IncludeDirs, err = asStrings(name, value)
	case CompileWarningsAsErrors:
		o.WarningsAsErrors, err = asBool(name, value)
	default:
		return fmt.Errorf("%w: %q (expected one of %v)", ErrUnknownOption, name, CompileOptionNames)
	}
	return err
}

// Fields 以固定順序回傳參與雜湊的欄位
func (o CompileOptions) Fields() []string {
	fields := []string{CompileFlags}
	fields = append(fields, o.Flags...)

	fields = append(fields, CompileDefines)
	keys := slices.Sorted(maps.Keys(o.Defines))
	for _, k := range keys {
		fields = append(fields, k+"="+o.Defines[k])
	}

	fields = append(fields, CompileIncludeDirs)
	fields = append(fields, o.IncludeDirs...)

	fields = append(fields, fmt.Sprintf("%s=%t", CompileWarningsAsErrors, o.WarningsAsErrors))
	return fields
}

// Merge 以 other 中非零值覆蓋，回傳新的選項
func (o CompileOptions) Merge(other CompileOptions) CompileOptions {
	out := o
	if other.Flags != nil {
		out.Flags = slices.Clone(other.Flags)
	}
	if other.Defines != nil {
		out.Defines = maps.Clone(other.Defines)
	}
	if other.IncludeDirs != nil {
		out.IncludeDirs = slices.Clone(other.IncludeDirs)
	}
	if other.WarningsAsErrors {
		out.WarningsAsErrors = true
	}
	return out
}

// SimOptions 單一 suite 的模擬選項
type SimOptions struct {
	Flags               []string          `yaml:"flags" json:"flags,omitempty"`
	ElaborateFlags      []string          `yaml:"elaborate_flags" json:"elaborate_flags,omitempty"`
	Generics            map[string]string `yaml:"generics" json:"generics,omitempty"`
	Timeout             time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	DisableIEEEWarnings bool              `yaml:"disable_ieee_warnings" json:"disable_ieee_warnings,omitempty"`
}

// Set 依名稱設定選項
func (o *SimOptions) Set(name string, value any) error {
	var err error
	switch name {
	case SimFlags:
		o.Flags, err = asStrings(name, value)
	case SimElaborateFlags:
		o.ElaborateFlags, err = asStrings(name, value)
	case SimGenerics:
		o.Generics, err = asStringMap(name, value)
	case SimTimeout:
		o.Timeout, err = asDuration(name, value)
	case SimDisableIEEE:
		o.DisableIEEEWarnings, err = asBool(name, value)
	default:
		return fmt.Errorf("%w: %q (expected one of %v)", ErrUnknownOption, name, SimOptionNames)
	}
	return err
}

// GenericArgs 以名稱排序的 name=value 參數
func (o SimOptions) GenericArgs() []string {
	keys := slices.Sorted(maps.Keys(o.Generics))
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+o.Generics[k])
	}
	return args
}

// ============================================================================
// 型別轉換輔助
// ============================================================================

func asStrings(name string, value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return slices.Clone(v), nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s expects strings, got %T", ErrInvalidOptionValue, name, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s expects a list of strings, got %T", ErrInvalidOptionValue, name, value)
	}
}

func asStringMap(name string, value any) (map[string]string, error) {
	switch v := value.(type) {
	case map[string]string:
		return maps.Clone(v), nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = fmt.Sprint(item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s expects a map, got %T", ErrInvalidOptionValue, name, value)
	}
}

func asBool(name string, value any) (bool, error) {
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s expects a bool, got %T", ErrInvalidOptionValue, name, value)
	}
	return b, nil
}

func asDuration(name string, value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidOptionValue, name, err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("%w: %s expects a duration, got %T", ErrInvalidOptionValue, name, value)
	}
}
