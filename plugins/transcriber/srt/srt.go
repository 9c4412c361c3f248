// Package srt 实现基于 SRT 边车文件的转写器：媒体引用 → 按时间升序的句子序列。
// 边车定位：同名换扩展（talk.mp4 → talk.srt），找不到再尝试直接追加（talk.mp4.srt）。
package srt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"gembatch/pkg/contract"
)

// Options 为 SRT Transcriber 的可选配置（最小必要）。
type Options struct {
	// SidecarExt: 边车扩展名（包含点），默认 ".srt"。
	SidecarExt string `json:"sidecar_ext"`
	// MaxBlockBytes: 单块文本最大字节数。0 表示不限制。
	MaxBlockBytes int `json:"max_block_bytes"`
}

// Transcriber 实现 contract.Transcriber。
type Transcriber struct {
	ext      string
	maxBytes int
}

// New 创建 SRT Transcriber。
func New(opts *Options) *Transcriber {
	ext := ".srt"
	mb := 0
	if opts != nil {
		if opts.SidecarExt != "" {
			ext = opts.SidecarExt
		}
		if opts.MaxBlockBytes > 0 {
			mb = opts.MaxBlockBytes
		}
	}
	return &Transcriber{ext: ext, maxBytes: mb}
}

var timeLineRe = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2}),(\d{3}) --> (\d{2}):(\d{2}):(\d{2}),(\d{3})`)

// Transcribe 读取媒体的 SRT 边车并产出 TimedSentence 序列。
// 约束：时间升序；乱序或格式违例快速失败。
func (t *Transcriber) Transcribe(ctx context.Context, m contract.MediaRef) ([]contract.TimedSentence, error) {
	p := sidecarPath(m.Path, t.ext)
	f, err := os.Open(p)
	if err != nil {
		// 回退：直接追加扩展
		if alt := m.Path + t.ext; alt != p {
			if af, aerr := os.Open(alt); aerr == nil {
				f = af
				err = nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("srt: sidecar for %s: %w", m.Path, err)
		}
	}
	defer f.Close()
	return t.parse(ctx, f)
}

func (t *Transcriber) parse(ctx context.Context, r io.Reader) ([]contract.TimedSentence, error) {
	br := bufio.NewReader(r)
	var out []contract.TimedSentence
	lastStart := -1.0

	for {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}

		// 读取一个块：序号行、时间轴行、文本若干行，空行结束
		seqLine, eof, err := readTrimmedLine(br)
		if err != nil {
			return nil, err
		}
		if eof {
			break
		}
		if seqLine == "" { // 跳过多余空行
			continue
		}
		if _, err := strconv.Atoi(seqLine); err != nil {
			return nil, fmt.Errorf("srt format error: invalid sequence line: %q", seqLine)
		}

		timeLine, _, err := readTrimmedLine(br)
		if err != nil {
			return nil, err
		}
		match := timeLineRe.FindStringSubmatch(timeLine)
		if match == nil {
			return nil, fmt.Errorf("srt format error: invalid time line: %q", timeLine)
		}
		start := toSeconds(match[1], match[2], match[3], match[4])
		end := toSeconds(match[5], match[6], match[7], match[8])
		if end <= start {
			return nil, fmt.Errorf("srt format error: non-positive span: %q", timeLine)
		}
		if start < lastStart {
			return nil, fmt.Errorf("srt format error: blocks out of order at %q", timeLine)
		}
		lastStart = start

		// 收集文本行直到遇到空行或 EOF
		var texts []string
		sumBytes := 0
		for {
			line, e, err := readTrimmedLine(br)
			if err != nil {
				return nil, err
			}
			if line == "" && e {
				break
			}
			if line == "" {
				break
			}
			if t.maxBytes > 0 {
				predicted := sumBytes + len(line) + len(texts)
				if predicted > t.maxBytes {
					return nil, fmt.Errorf("block too large: %d > %d", predicted, t.maxBytes)
				}
			}
			texts = append(texts, line)
			sumBytes += len(line)
			if e {
				break
			}
		}

		text := strings.Join(texts, "\n")
		if !utf8.ValidString(text) {
			return nil, errors.New("decode error: invalid UTF-8 in text block")
		}
		out = append(out, contract.TimedSentence{Text: text, StartSec: start, EndSec: end})
	}
	return out, nil
}

// sidecarPath 将媒体路径换为边车扩展（无扩展名时直接追加）。
func sidecarPath(mediaPath, ext string) string {
	if i := strings.LastIndexByte(mediaPath, '.'); i > strings.LastIndexByte(mediaPath, '/') {
		return mediaPath[:i] + ext
	}
	return mediaPath + ext
}

func toSeconds(h, m, s, ms string) float64 {
	hi, _ := strconv.Atoi(h)
	mi, _ := strconv.Atoi(m)
	si, _ := strconv.Atoi(s)
	msi, _ := strconv.Atoi(ms)
	return float64(hi*3600+mi*60+si) + float64(msi)/1000
}

// readTrimmedLine 读取一行，归一 CRLF→LF，并去除结尾换行符；返回该行、是否 EOF。
func readTrimmedLine(br *bufio.Reader) (line string, eof bool, err error) {
	s, err := br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			eof = true
		} else {
			return "", false, err
		}
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s, eof && s == "", nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Transcriber = (*Transcriber)(nil)
