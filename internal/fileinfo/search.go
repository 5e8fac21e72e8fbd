package fileinfo

import "strings"

// SearchOptions 控制参与匹配的字段以及是否区分大小写。
type SearchOptions struct {
	CaseSensitive bool
	InTags        bool
	InTitle       bool
	InName        bool
}

// DefaultSearch 返回默认选项：忽略大小写，标签/标题/路径全部参与匹配。
func DefaultSearch() SearchOptions {
	return SearchOptions{InTags: true, InTitle: true, InName: true}
}

// Search 返回所有子串都出现在搜索文本中的条目路径，顺序与 entries 一致。
func Search(entries []Entry, query []string, opts SearchOptions) []Path {
	needles := make([]string, len(query))
	for i, q := range query {
		if !opts.CaseSensitive {
			q = strings.ToLower(q)
		}
		needles[i] = q
	}

	var found []Path
	for _, entry := range entries {
		text := searchText(entry, opts)
		if matchAll(text, needles) {
			found = append(found, entry.Path.Join())
		}
	}
	return found
}

func searchText(entry Entry, opts SearchOptions) string {
	var b strings.Builder
	if opts.InTags {
		b.WriteString(strings.Join(entry.Info.Tags, " "))
	}
	if opts.InTitle {
		b.WriteString(entry.Info.Title)
	}
	if opts.InName {
		b.WriteString(strings.Join(entry.Path, " "))
	}
	if opts.CaseSensitive {
		return b.String()
	}
	return strings.ToLower(b.String())
}

func matchAll(text string, needles []string) bool {
	for _, n := range needles {
		if !strings.Contains(text, n) {
			return false
		}
	}
	return true
}
