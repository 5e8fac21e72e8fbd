package fileinfo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DatetimeLayout 是 datetime 字段的解析格式，小数秒部分在比较前被截断。
const DatetimeLayout = "2006-01-02 15:04:05"

// SidecarSuffix 是元数据 sidecar 的文件后缀。
const SidecarSuffix = ".info"

// ErrNotFound 表示远端 404 或本地 sidecar 缺失。
var ErrNotFound = errors.New("file not found")

// ErrInvalidPath 表示路径为空或含有不合法的片段。
var ErrInvalidPath = errors.New("invalid path")

// Path 由若干非空片段组成，远端 URL 与本地目录结构都按片段拼接。
type Path []string

// Key 返回可用作 map 键的稳定表示。
func (p Path) Key() string {
	return strings.Join(p, "/")
}

// String 与 Key 一致，便于日志输出。
func (p Path) String() string {
	return p.Key()
}

// HasPrefix 按片段比较前缀，prefix 更长时直接返回 false。
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if prefix[i] != p[i] {
			return false
		}
	}
	return true
}

// Join 返回追加片段后的新 Path，不修改原切片。
func (p Path) Join(segments ...string) Path {
	out := make(Path, 0, len(p)+len(segments))
	out = append(out, p...)
	return append(out, segments...)
}

// Equal 判断两个 Path 是否逐段相等。
func (p Path) Equal(other Path) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// ValidSegment 报告 seg 能否作为路径片段：非空，不以 "."、"?" 开头，
// 不含 "/" 或反斜杠。"." 与 ".." 因此同样被拒绝。
func ValidSegment(seg string) bool {
	if seg == "" || strings.HasPrefix(seg, ".") || strings.HasPrefix(seg, "?") {
		return false
	}
	return !strings.ContainsAny(seg, "/\\")
}

// Validate 检查 p 是否指向一个条目：至少一个片段且每个片段都合法。
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range p {
		if !ValidSegment(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p.Key())
		}
	}
	return nil
}

// ValidatePrefix 与 Validate 相同，但允许空前缀（表示根目录）。
func (p Path) ValidatePrefix() error {
	if len(p) == 0 {
		return nil
	}
	return p.Validate()
}

// ParsePath 将 "a/b/c" 形式的字符串切分为 Path，忽略空片段。
func ParsePath(raw string) Path {
	var out Path
	for _, seg := range strings.Split(raw, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Info 描述一个文件的元数据。已知字段单独建模，其余键原样保存在 Extra 中，
// 保证读写一轮后不丢失任何信息。
type Info struct {
	Datetime    string
	Compression string
	Tags        []string
	Title       string
	Extra       map[string]json.RawMessage
}

// Entry 把 Path 与其元数据绑定在一起，保持调用方可见的顺序。
type Entry struct {
	Path Path
	Info Info
}

// Empty 表示没有任何元数据键。
func (i Info) Empty() bool {
	return i.Datetime == "" && i.Compression == "" && i.Tags == nil && i.Title == "" && len(i.Extra) == 0
}

// Time 解析 datetime 的前 19 个字符，缺失或格式错误时 ok 为 false。
func (i Info) Time() (time.Time, bool) {
	raw := i.Datetime
	if len(raw) > len(DatetimeLayout) {
		raw = raw[:len(DatetimeLayout)]
	}
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(DatetimeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Parse 解码 JSON 对象形式的元数据。
func Parse(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// UnmarshalJSON 容忍已知字段的类型偏差：tags 可以是单个字符串，
// 其它类型不符的已知字段退化为零值。
func (i *Info) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("info must be a JSON object")
	}

	*i = Info{}
	for key, value := range raw {
		switch key {
		case "datetime":
			i.Datetime = decodeString(value)
		case "compression":
			i.Compression = decodeString(value)
		case "title":
			i.Title = decodeString(value)
		case "tags":
			i.Tags = decodeTags(value)
		default:
			if i.Extra == nil {
				i.Extra = make(map[string]json.RawMessage)
			}
			i.Extra[key] = append(json.RawMessage(nil), value...)
		}
	}
	return nil
}

// MarshalJSON 合并已知字段与 Extra，空的已知字段不输出。
func (i Info) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(i.Extra)+4)
	for key, value := range i.Extra {
		out[key] = value
	}
	if i.Datetime != "" {
		out["datetime"] = i.Datetime
	}
	if i.Compression != "" {
		out["compression"] = i.Compression
	}
	if i.Title != "" {
		out["title"] = i.Title
	}
	if i.Tags != nil {
		out["tags"] = i.Tags
	}
	return json.Marshal(out)
}

func decodeString(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return ""
	}
	return s
}

func decodeTags(value json.RawMessage) []string {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if s := decodeString(trimmed); s != "" {
			return []string{s}
		}
		return nil
	}
	var list []any
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil
	}
	tags := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}
