// Package archive unpacks downloaded files according to the compression kind
// declared in their metadata. Output is produced in a hidden staging sibling of
// the destination and renamed into place only once it is complete, so readers
// never observe a half-written file or directory.
package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Kind 是 .info 中 compression 字段的取值。
type Kind string

const (
	GZ     Kind = "gz"
	BZ2    Kind = "bz2"
	TarGZ  Kind = "tar.gz"
	TarBZ2 Kind = "tar.bz2"
)

// ErrUnsupportedCompression 表示 compression 字段取值无法识别。
var ErrUnsupportedCompression = errors.New("unsupported compression")

// Supported 报告 kind 是否可以解压。
func Supported(kind Kind) bool {
	switch kind {
	case GZ, BZ2, TarGZ, TarBZ2:
		return true
	}
	return false
}

// IsTar 报告解压结果是否为目录。
func IsTar(kind Kind) bool {
	return kind == TarGZ || kind == TarBZ2
}

// Extract 把 src 按 kind 解压到 dest。tar 包解压为目录，单文件压缩解压为普通文件；
// dest 已存在时被整体替换。
func Extract(kind Kind, src, dest string) error {
	if !Supported(kind) {
		return fmt.Errorf("%w: %q", ErrUnsupportedCompression, string(kind))
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if IsTar(kind) {
		return extractTar(f, dest)
	}

	stream, closeStream, err := openSingle(kind, f)
	if err != nil {
		return err
	}
	defer closeStream()
	return writeFile(stream, dest)
}

func openSingle(kind Kind, r io.Reader) (io.Reader, func(), error) {
	switch kind {
	case GZ:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	default:
		return bzip2.NewReader(r), func() {}, nil
	}
}

// openTarStream 按魔数选择解压器，兼容把未压缩 tar 标成 tar.gz 的服务端。
func openTarStream(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(3)
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	case bytes.Equal(magic, []byte("BZh")):
		return bzip2.NewReader(br), func() {}, nil
	default:
		return br, func() {}, nil
	}
}

func writeFile(r io.Reader, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".extract-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("decompress %s: %w", filepath.Base(dest), err)
	}
	return replace(tmpName, dest)
}

// replace 把 staged 移动到 dest。rename 无法覆盖目录，也无法用目录覆盖文件，
// 两者类型不同或 dest 为旧的解压目录时先整体删除 dest。
func replace(staged, dest string) error {
	if info, err := os.Lstat(dest); err == nil && (info.IsDir() || isDir(staged)) {
		if err := os.RemoveAll(dest); err != nil {
			os.RemoveAll(staged)
			return err
		}
	}
	if err := os.Rename(staged, dest); err != nil {
		os.RemoveAll(staged)
		return err
	}
	return nil
}

func isDir(p string) bool {
	info, err := os.Lstat(p)
	return err == nil && info.IsDir()
}
