package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/serverfiles/serverfiles/internal/cache"
	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/logging"
)

var errInvalidPath = errors.New("invalid path")

// FileHandler 把本地镜像按静态文件服务器的形式对外提供：目录返回带锚点的
// HTML 列表，文件与 .info 原样返回，根目录的 __INFO__ 由本地元数据实时生成。
type FileHandler struct {
	cache  *cache.Cache
	logger logrus.FieldLogger
}

// NewFileHandler 构建基于 c 的镜像处理器。
func NewFileHandler(c *cache.Cache, logger logrus.FieldLogger) *FileHandler {
	return &FileHandler{cache: c, logger: logger}
}

// Handle 实现 MirrorHandler。
func (h *FileHandler) Handle(c fiber.Ctx) error {
	method := c.Method()
	if method != http.MethodGet && method != http.MethodHead {
		return writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	raw := string(c.Request().URI().PathOriginal())
	segments, dir, err := splitRequestPath(raw)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_path")
	}

	if len(segments) == 1 && segments[0] == fileinfo.CatalogName && !dir {
		return h.serveCatalog(c)
	}

	local := h.cache.LocalPath(segments)
	info, err := os.Stat(local)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return writeError(c, fiber.StatusNotFound, "not_found")
		}
		return err
	}

	if info.IsDir() {
		if !dir {
			c.Set(fiber.HeaderLocation, raw+"/")
			return c.SendStatus(fiber.StatusMovedPermanently)
		}
		return h.serveListing(c, local, raw)
	}
	if dir {
		return writeError(c, fiber.StatusNotFound, "not_found")
	}
	return h.serveFile(c, local, info.Size())
}

func (h *FileHandler) serveCatalog(c fiber.Ctx) error {
	entries, err := h.cache.AllInfo(nil)
	if err != nil {
		h.logger.WithError(err).WithFields(logging.PathFields("serve_catalog", h.cache.Root())).Error("catalog_failed")
		return writeError(c, fiber.StatusInternalServerError, "catalog_failed")
	}
	doc, err := fileinfo.MarshalCatalog(entries)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(doc)
}

func (h *FileHandler) serveListing(c fiber.Ctx, local, raw string) error {
	entries, err := os.ReadDir(local)
	if err != nil {
		return err
	}

	title := html.EscapeString("Index of " + raw)
	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><title>%s</title></head><body>\n<h1>%s</h1>\n<ul>\n", title, title)
	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		names[entry.Name()] = true
	}
	for _, entry := range entries {
		name := entry.Name()
		if hiddenName(name, names) {
			continue
		}
		href := url.PathEscape(name)
		label := name
		size := ""
		if entry.IsDir() {
			href += "/"
			label += "/"
		} else if info, err := entry.Info(); err == nil {
			size = " " + humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a>%s</li>\n", html.EscapeString(href), html.EscapeString(label), size)
	}
	b.WriteString("</ul>\n</body></html>\n")

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(b.String())
}

func (h *FileHandler) serveFile(c fiber.Ctx, local string, size int64) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.HasSuffix(local, fileinfo.SidecarSuffix) {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	} else {
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	}
	c.Response().Header.SetContentLength(int(size))
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), f); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read mirror failed: %v", err))
	}
	return nil
}

// splitRequestPath 把原始 URL 路径拆成片段，以 "." 开头的片段（含 ".."）一律拒绝。
func splitRequestPath(raw string) (fileinfo.Path, bool, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, false, errInvalidPath
	}
	dir := strings.HasSuffix(raw, "/")
	var segments fileinfo.Path
	for _, part := range strings.Split(strings.Trim(raw, "/"), "/") {
		if part == "" {
			continue
		}
		seg, err := url.PathUnescape(part)
		if err != nil {
			return nil, false, errInvalidPath
		}
		if !fileinfo.ValidSegment(seg) {
			return nil, false, errInvalidPath
		}
		segments = append(segments, seg)
	}
	return segments, dir, nil
}

// hiddenName 隐藏点文件，以及下载中途留下的 <p>.tmp（同目录存在 <p>.info 时）。
// 普通的 .tmp 文件照常列出。
func hiddenName(name string, siblings map[string]bool) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	stem, ok := strings.CutSuffix(name, ".tmp")
	return ok && stem != "" && siblings[stem+fileinfo.SidecarSuffix]
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
