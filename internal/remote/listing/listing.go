// Package listing extracts link targets from directory-index pages served by
// plain static file servers (Apache, nginx autoindex, python http.server, Go's
// http.FileServer). Only anchor href attributes are consulted.
package listing

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
)

// LinkParser 从目录页中提取原始 href，替换实现即可支持 JSON/XML 索引。
type LinkParser interface {
	Links(r io.Reader) ([]string, error)
}

// HTMLParser 基于 x/net/html tokenizer 扫描 <a href>，对不规范的 HTML 同样容错。
type HTMLParser struct{}

// Links 返回文档中所有 <a> 的 href，保持出现顺序。
func (HTMLParser) Links(r io.Reader) ([]string, error) {
	var links []string
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && err != io.EOF {
				return nil, err
			}
			return links, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					links = append(links, string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}

// Visible 过滤导航链接与隐藏资源（?、/、.、__ 开头），并做 URL 反转义。
// 反转义后再检查一次，"%2E%2E/" 之类编码过的导航链接同样被丢弃；
// 反转义失败的 href 原样参与检查。
func Visible(hrefs []string) []string {
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		if href == "" || isHidden(href) {
			continue
		}
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		if isHidden(href) || !fileinfo.ValidSegment(strings.TrimSuffix(href, "/")) {
			continue
		}
		out = append(out, href)
	}
	return out
}

func isHidden(href string) bool {
	return strings.HasPrefix(href, "?") ||
		strings.HasPrefix(href, "/") ||
		strings.HasPrefix(href, ".") ||
		strings.HasPrefix(href, "__")
}
