package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

type streamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// Stream 逐条读取 SSE 响应中的 text-delta 增量。
// 同一时间只能有一个 goroutine 调用 Next；Close 可以在任意时刻从任意 goroutine 调用。
type Stream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	finished  bool
	closeOnce sync.Once
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReader(body)}
}

// Next 返回下一段非空增量文本。流正常结束（[DONE] 或 EOF）时返回 io.EOF。
// 不是合法 JSON 的 data 行、非 text-delta 事件以及其他 SSE 行都会被跳过。
func (s *Stream) Next() (string, error) {
	for !s.finished {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.finished = true
				return "", fmt.Errorf("failed to read from stream: %w", err)
			}
			// 最后一行可能没有换行符，仍然按正常行处理
			s.finished = true
		}

		delta, done := parseLine(line)
		if done {
			s.finished = true
			break
		}
		if delta != "" {
			return delta, nil
		}
	}
	_ = s.Close()
	return "", io.EOF
}

// parseLine 解析一行 SSE，done 为 true 表示遇到了 [DONE]。
func parseLine(line string) (delta string, done bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	data := strings.TrimPrefix(line, dataPrefix)
	if strings.TrimSpace(data) == doneMarker {
		return "", true
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", false
	}
	if event.Type != "text-delta" {
		return "", false
	}
	return event.Delta, false
}

// Close 释放底层连接，可以重复调用。
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// Collect 读取剩余的全部增量并拼接返回，结束后关闭流。
func (s *Stream) Collect() (string, error) {
	defer s.Close()
	var sb strings.Builder
	for {
		delta, err := s.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(delta)
	}
}
