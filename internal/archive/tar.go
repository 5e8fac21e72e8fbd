package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafePath 表示 tar 成员试图写到解压目录之外。
var ErrUnsafePath = errors.New("archive entry escapes destination")

func extractTar(r io.Reader, dest string) error {
	stream, closeStream, err := openTarStream(r)
	if err != nil {
		return err
	}
	defer closeStream()

	staging, err := os.MkdirTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".extract-*")
	if err != nil {
		return err
	}
	if err := unpack(tar.NewReader(stream), staging); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return err
	}
	return replace(staging, dest)
}

// unpack 通过 os.Root 写入成员，任何经由符号链接离开 staging 的路径都会被拒绝。
func unpack(tr *tar.Reader, staging string) error {
	root, err := os.OpenRoot(staging)
	if err != nil {
		return err
	}
	defer root.Close()

	realRoot, err := filepath.EvalSymlinks(staging)
	if err != nil {
		return err
	}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name, err := memberName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "." {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = root.MkdirAll(name, dirMode(hdr))
		case tar.TypeReg:
			err = writeMember(root, tr, name, hdr)
		case tar.TypeSymlink:
			err = linkMember(root, realRoot, name, hdr.Linkname)
		default:
			// 设备文件、硬链接等类型在镜像中没有意义，直接跳过。
		}
		if err != nil {
			return wrapEscape(hdr.Name, err)
		}
	}
}

// memberName 把成员名规范成 staging 内的相对路径（以 / 分隔）。
func memberName(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}

func writeMember(root *os.Root, r io.Reader, name string, hdr *tar.Header) error {
	if err := ensureDir(root, path.Dir(name)); err != nil {
		return err
	}
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	f, err := root.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}
	if !hdr.ModTime.IsZero() {
		_ = root.Chtimes(name, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

// linkMember 按父目录的真实位置解析链接目标，已写入的链接因此无法被串联用来逃逸。
func linkMember(root *os.Root, realRoot, name, linkname string) error {
	if filepath.IsAbs(linkname) || path.IsAbs(linkname) {
		return fmt.Errorf("%w: link %s -> %s", ErrUnsafePath, name, linkname)
	}
	dir := path.Dir(name)
	if err := ensureDir(root, dir); err != nil {
		return err
	}
	parent, err := filepath.EvalSymlinks(filepath.Join(realRoot, filepath.FromSlash(dir)))
	if err != nil {
		return err
	}
	if !within(realRoot, parent) || !within(realRoot, filepath.Join(parent, filepath.FromSlash(linkname))) {
		return fmt.Errorf("%w: link %s -> %s", ErrUnsafePath, name, linkname)
	}
	return root.Symlink(linkname, name)
}

func ensureDir(root *os.Root, dir string) error {
	if dir == "." {
		return nil
	}
	if info, err := root.Stat(dir); err == nil && info.IsDir() {
		return nil
	}
	return root.MkdirAll(dir, 0o755)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// wrapEscape 把 os.Root 的越界错误统一成 ErrUnsafePath。
func wrapEscape(name string, err error) error {
	if errors.Is(err, ErrUnsafePath) {
		return err
	}
	if strings.Contains(err.Error(), "path escapes from parent") {
		return fmt.Errorf("%w: %s: %v", ErrUnsafePath, name, err)
	}
	return err
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o755
	}
	return mode | 0o700
}
