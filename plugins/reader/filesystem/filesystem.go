// Package filesystem 提供运行输入的读取：内容文本（文件或 STDIN "-"）与问题列表文件。
// 统一缓冲策略与内容大小上限，超限映射为 ErrInputTooLarge。
package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gembatch/pkg/contract"
)

// Options 为输入 Reader 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// MaxContentBytes: 内容文本上限（字节）。<=0 时默认 64MiB。
	// 超限返回 ErrInputTooLarge，避免误把大文件整体载入。
	MaxContentBytes int64 `json:"max_content_bytes"`
}

// FS 实现基于文件系统与 STDIN 的输入读取。
type FS struct {
	bufSize  int
	maxBytes int64
	// stdin 可在测试中替换。
	stdin io.Reader
}

// New 创建输入 Reader。
func New(opts *Options) *FS {
	const (
		defaultBuf = 64 * 1024
		defaultMax = 64 << 20
	)
	b := defaultBuf
	var m int64 = defaultMax
	if opts != nil {
		if opts.BufSize > 0 {
			b = opts.BufSize
		}
		if opts.MaxContentBytes > 0 {
			m = opts.MaxContentBytes
		}
	}
	return &FS{bufSize: b, maxBytes: m, stdin: os.Stdin}
}

// ReadContent 读取内容文本；path 为 "-" 时读 STDIN。
// 超过 MaxContentBytes 返回 ErrInputTooLarge。
func (r *FS) ReadContent(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var src io.Reader
	if path == "-" {
		src = r.stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		src = f
	}
	// 读到上限 +1 字节以区分“恰好达到上限”与“超限”
	buf := bufio.NewReaderSize(io.LimitReader(src, r.maxBytes+1), r.bufSize)
	b, err := io.ReadAll(buf)
	if err != nil {
		return "", err
	}
	if int64(len(b)) > r.maxBytes {
		return "", fmt.Errorf("reader: content %s exceeds %d bytes: %w", path, r.maxBytes, contract.ErrInputTooLarge)
	}
	return string(b), nil
}

// ReadQuestions 读取问题列表：每行一个问题，跳过空行与 # 注释行。
// 空列表不报错，由调用方决定语义。
func (r *FS) ReadQuestions(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	s := bufio.NewScanner(bufio.NewReaderSize(f, r.bufSize))
	s.Buffer(make([]byte, 0, r.bufSize), 1024*1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, s.Err()
}
