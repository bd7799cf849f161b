package solix

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog 字段目录文件，用于在不改代码的情况下补充消息类型与字段
//
//	version: "2024-06"
//	messages:
//	  - type: "0x0405"
//	    name: battery
//	    class: telemetry
//	    update: channel
//	    fields:
//	      - id: "0xa2"
//	        name: soc
//	        decoder: uint8
//	        types: [unsigned]
//	        unit: "%"
type Catalog struct {
	Version  string           `yaml:"version"`
	Messages []CatalogMessage `yaml:"messages"`
}

// CatalogMessage 目录中的消息类型
type CatalogMessage struct {
	Type   string         `yaml:"type"`
	Name   string         `yaml:"name"`
	Class  string         `yaml:"class"`
	Update string         `yaml:"update"`
	Fields []CatalogField `yaml:"fields"`
}

// CatalogField 目录中的字段
type CatalogField struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Decoder  string   `yaml:"decoder"`
	Types    []string `yaml:"types"`
	Unit     string   `yaml:"unit"`
	Verified bool     `yaml:"verified"`
}

// LoadCatalog 读取并解析目录文件
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog 解析目录内容
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &c, nil
}

// Merge 将目录合并进注册表，同键覆盖内置项；任一条目非法时不做任何修改
func (r *Registry) Merge(c *Catalog) error {
	if c == nil {
		return nil
	}
	msgs := make([]MessageTypeInfo, 0, len(c.Messages))
	fields := make(map[FieldKey]FieldSpec)
	for i, cm := range c.Messages {
		code, err := parseHex(cm.Type, 16)
		if err != nil {
			return fmt.Errorf("catalog message #%d type: %w", i, err)
		}
		info := MessageTypeInfo{Code: MessageType(code), Name: cm.Name}
		if info.Class, err = parseClass(cm.Class); err != nil {
			return fmt.Errorf("catalog message %s: %w", info.Code, err)
		}
		if info.Update, err = parseUpdate(cm.Update); err != nil {
			return fmt.Errorf("catalog message %s: %w", info.Code, err)
		}
		msgs = append(msgs, info)

		for j, cf := range cm.Fields {
			id, err := parseHex(cf.ID, 8)
			if err != nil {
				return fmt.Errorf("catalog message %s field #%d id: %w", info.Code, j, err)
			}
			if byte(id) == FieldTimestamp {
				return fmt.Errorf("catalog message %s: field 0x%02x is reserved", info.Code, id)
			}
			spec := FieldSpec{Name: cf.Name, Unit: cf.Unit, Verified: cf.Verified, Decoder: RawBytes}
			if cf.Decoder != "" {
				d, ok := DecoderByName(cf.Decoder)
				if !ok {
					return fmt.Errorf("catalog message %s field 0x%02x: unknown decoder %q", info.Code, id, cf.Decoder)
				}
				spec.Decoder = d
			}
			for _, ts := range cf.Types {
				t, err := parseValueType(ts)
				if err != nil {
					return fmt.Errorf("catalog message %s field 0x%02x: %w", info.Code, id, err)
				}
				spec.Types = append(spec.Types, t)
			}
			fields[FieldKey{info.Code, byte(id)}] = spec
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.messages[m.Code] = m
	}
	for k, s := range fields {
		r.fields[k] = s
	}
	if c.Version != "" {
		r.version = RegistryVersion + "+" + c.Version
	}
	return nil
}

func parseHex(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	return strconv.ParseUint(s, 16, bits)
}

func parseClass(s string) (MessageClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "telemetry":
		return ClassTelemetry, nil
	case "control":
		return ClassControl, nil
	case "ack":
		return ClassAck, nil
	default:
		return 0, fmt.Errorf("unknown class %q", s)
	}
}

func parseUpdate(s string) (UpdateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "channel":
		return UpdateByChannel, nil
	case "delta":
		return UpdateDelta, nil
	case "snapshot":
		return UpdateSnapshot, nil
	default:
		return 0, fmt.Errorf("unknown update mode %q", s)
	}
}

func parseValueType(s string) (ValueType, error) {
	for _, t := range []ValueType{TypeNone, TypeString, TypeUnsigned, TypeSigned, TypeVar, TypeBinary, TypeFloat} {
		if strings.EqualFold(strings.TrimSpace(s), t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}
