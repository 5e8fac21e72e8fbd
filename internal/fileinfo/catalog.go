package fileinfo

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CatalogName 是服务端根目录下汇总元数据文件的名称。
const CatalogName = "__INFO__"

// ParseCatalog 解码 [[片段...], {info}] 形式的数组，保留文档中的顺序。
func ParseCatalog(data []byte) ([]Entry, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for idx, item := range raw {
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("catalog element #%d: expected [path, info]", idx)
		}
		var segments []string
		if err := json.Unmarshal(pair[0], &segments); err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("catalog element #%d: invalid path", idx)
		}
		if err := Path(segments).Validate(); err != nil {
			return nil, fmt.Errorf("catalog element #%d: %w", idx, err)
		}
		info, err := Parse(pair[1])
		if err != nil {
			return nil, fmt.Errorf("catalog element #%d: %w", idx, err)
		}
		entries = append(entries, Entry{Path: Path(segments), Info: info})
	}
	return entries, nil
}

// MarshalCatalog 生成 __INFO__ 文档，按路径排序以便输出稳定。
func MarshalCatalog(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Path.Key() < sorted[j].Path.Key()
	})

	out := make([][2]any, len(sorted))
	for i, entry := range sorted {
		out[i] = [2]any{[]string(entry.Path), entry.Info}
	}
	return json.Marshal(out)
}
