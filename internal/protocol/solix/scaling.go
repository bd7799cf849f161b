package solix

import (
	"fmt"
	"strconv"
	"strings"
)

// ScaleStrategy 旧式单字节遥测值的换算策略
// 这类字段的真实换算公式未经验证，只能以可替换的命名策略提供
type ScaleStrategy interface {
	Name() string
	Verified() bool
	Scale(raw byte) float64
}

// UnverifiedIdentity 默认策略：直接返回原始字节值，标记为未验证
var UnverifiedIdentity ScaleStrategy = identityScale{}

type identityScale struct{}

func (identityScale) Name() string           { return "unverified-identity" }
func (identityScale) Verified() bool         { return false }
func (identityScale) Scale(raw byte) float64 { return float64(raw) }

// LinearScale value = raw*Factor + Offset
// Confirmed 仅在调用方已对照设备读数确认公式时置为 true
type LinearScale struct {
	Label     string
	Factor    float64
	Offset    float64
	Confirmed bool
}

func (s LinearScale) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return fmt.Sprintf("linear:%g:%g", s.Factor, s.Offset)
}

func (s LinearScale) Verified() bool { return s.Confirmed }

func (s LinearScale) Scale(raw byte) float64 {
	return float64(raw)*s.Factor + s.Offset
}

// ParseScaleStrategy 解析配置中的策略名
// 支持 "unverified-identity"（或空串）与 "linear:<factor>:<offset>"
func ParseScaleStrategy(name string) (ScaleStrategy, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == UnverifiedIdentity.Name() {
		return UnverifiedIdentity, nil
	}
	parts := strings.Split(name, ":")
	if len(parts) != 3 || parts[0] != "linear" {
		return nil, fmt.Errorf("unknown scale strategy %q", name)
	}
	factor, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("scale strategy %q factor: %w", name, err)
	}
	offset, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return nil, fmt.Errorf("scale strategy %q offset: %w", name, err)
	}
	return LinearScale{Factor: factor, Offset: offset}, nil
}
