package pipeline

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxChunkSize 是单个分块的目标最大字符数。
	DefaultMaxChunkSize = 3000
	// DefaultOverlapSize 是相邻分块之间携带的重叠字符数。
	DefaultOverlapSize = 400
)

var (
	paragraphSeparator = regexp.MustCompile(`\n\n+`)
	sentenceBoundary   = regexp.MustCompile(`[.!?]\s+`)
)

// Chunk 是从文档文本中切出的一段有序内容。
type Chunk struct {
	Content string `json:"content"`
	Index   int    `json:"index"`
}

type chunkOptions struct {
	maxChunkSize int
	overlapSize  int
}

// ChunkOption 配置分块参数。
type ChunkOption func(*chunkOptions)

// WithMaxChunkSize 设置单个分块的最大字符数，非正数被忽略。
func WithMaxChunkSize(size int) ChunkOption {
	return func(o *chunkOptions) {
		if size > 0 {
			o.maxChunkSize = size
		}
	}
}

// WithOverlapSize 设置重叠字符数，负数被忽略。
func WithOverlapSize(size int) ChunkOption {
	return func(o *chunkOptions) {
		if size >= 0 {
			o.overlapSize = size
		}
	}
}

// ChunkText 将纯文本切分为有界且相互重叠的分块。
//
// 先按空行切分段落并累积到缓冲区；追加段落会超出 maxChunkSize 时，先输出缓冲区，
// 再以其末尾 overlapSize 个字符作为新缓冲区的开头。单个段落超过 maxChunkSize 时
// 按句子（.!? 后跟空白）以同样的方式累积。长度按 Unicode 字符计算。
// 超长的单个句子不会被截断，允许超过 maxChunkSize。
func ChunkText(text string, opts ...ChunkOption) []Chunk {
	o := chunkOptions{maxChunkSize: DefaultMaxChunkSize, overlapSize: DefaultOverlapSize}
	for _, opt := range opts {
		opt(&o)
	}

	cleaned := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if cleaned == "" {
		return nil
	}

	b := &chunkBuffer{opts: o}
	for _, paragraph := range paragraphSeparator.Split(cleaned, -1) {
		trimmed := strings.TrimSpace(paragraph)
		if trimmed == "" {
			continue
		}

		if runeLen(trimmed) > o.maxChunkSize {
			if b.fresh {
				b.flush()
			}
			for _, sentence := range splitSentences(trimmed) {
				// 缓冲区只剩重叠内容时不输出，避免产生仅由重叠组成的分块
				if b.fresh && runeLen(b.current)+runeLen(sentence) > o.maxChunkSize {
					b.flush()
				}
				b.append(sentence, " ")
			}
			continue
		}

		if b.fresh && runeLen(b.current)+2+runeLen(trimmed) > o.maxChunkSize {
			b.flush()
		}
		b.append(trimmed, "\n\n")
	}

	if strings.TrimSpace(b.current) != "" && b.fresh {
		b.emit()
	}
	return b.chunks
}

// chunkBuffer 保存正在累积的分块内容。
// fresh 表示缓冲区中含有重叠部分以外的新内容。
type chunkBuffer struct {
	opts    chunkOptions
	current string
	fresh   bool
	chunks  []Chunk
}

func (b *chunkBuffer) append(unit, sep string) {
	if b.current != "" {
		b.current += sep
	}
	b.current += unit
	b.fresh = true
}

func (b *chunkBuffer) emit() {
	b.chunks = append(b.chunks, Chunk{
		Content: strings.TrimSpace(b.current),
		Index:   len(b.chunks),
	})
}

// flush 输出当前缓冲区，并以其末尾的重叠部分作为下一个分块的开头。
func (b *chunkBuffer) flush() {
	b.emit()
	b.current = tail(b.current, b.opts.overlapSize)
	b.fresh = false
}

// splitSentences 在句末标点后的空白处切分，标点保留在句尾。
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		if s := text[last : loc[0]+1]; s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if s := text[last:]; s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// tail 返回 s 末尾的 n 个字符。
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if runeLen(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-n:])
}
