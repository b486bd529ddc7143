package usage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cregis-dev/apex/app/helper/metric_helper"
)

// Logger 追加写 usage.csv，记录每次请求的 token 消耗
type Logger struct {
	mu sync.Mutex
	w  *csv.Writer
	f  *os.File
}

// NewLogger dir 为空时默认 ./logs，文件不存在时写表头
func NewLogger(dir string) (*Logger, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "usage.csv")
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	l := &Logger{w: csv.NewWriter(f), f: f}
	if !exists {
		l.w.Write([]string{"timestamp", "router", "channel", "model", "input_tokens", "output_tokens"})
		l.w.Flush()
	}
	return l, nil
}

func (l *Logger) Log(router, channel, model string, inputTokens, outputTokens int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write([]string{
		time.Now().Format("2006-01-02 15:04:05"),
		router,
		channel,
		model,
		strconv.FormatInt(inputTokens, 10),
		strconv.FormatInt(outputTokens, 10),
	})
	l.w.Flush()
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.f.Close()
}

// Tracker 从上游响应提取 token 用量
// 兼容 OpenAI（prompt/completion_tokens，取最终值）与
// Anthropic（input/output_tokens，message_start/message_delta 增量累加）两种形态
type Tracker struct {
	Router  string
	Channel string
	Model   string

	InputTokens  int64
	OutputTokens int64

	buf []byte // SSE 行缓冲
}

// ProcessChunk 处理一段 SSE 流数据，按行切分解析
func (t *Tracker) ProcessChunk(chunk []byte) {
	t.buf = append(t.buf, chunk...)
	for {
		idx := bytes.IndexByte(t.buf, '\n')
		if idx < 0 {
			return
		}
		line := t.buf[:idx]
		t.buf = t.buf[idx+1:]
		t.processLine(line)
	}
}

func (t *Tracker) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	data, ok := bytes.CutPrefix(line, []byte("data: "))
	if !ok {
		return
	}
	if bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	var val map[string]any
	if err := json.Unmarshal(data, &val); err != nil {
		return
	}
	t.extract(val)
}

// ProcessJSON 非流式响应：整体解析一次
func (t *Tracker) ProcessJSON(body []byte) {
	var val map[string]any
	if err := json.Unmarshal(body, &val); err != nil {
		return
	}
	t.extract(val)
}

func (t *Tracker) extract(val map[string]any) {
	usage, ok := val["usage"].(map[string]any)
	if !ok {
		// Anthropic 把 message_start 的 usage 嵌在 message 里
		if msg, ok := val["message"].(map[string]any); ok {
			usage, _ = msg["usage"].(map[string]any)
		}
	}
	if usage == nil {
		return
	}
	if v, ok := usage["prompt_tokens"].(float64); ok {
		t.InputTokens = int64(v)
	}
	if v, ok := usage["completion_tokens"].(float64); ok {
		t.OutputTokens = int64(v)
	}
	if v, ok := usage["input_tokens"].(float64); ok {
		t.InputTokens += int64(v)
	}
	if v, ok := usage["output_tokens"].(float64); ok {
		t.OutputTokens += int64(v)
	}
}

// Total 输入输出合计，用于 TPM 对账
func (t *Tracker) Total() int64 {
	return t.InputTokens + t.OutputTokens
}

// Flush 上报 token 计数并落盘
func (t *Tracker) Flush(logger *Logger) {
	if t.InputTokens == 0 && t.OutputTokens == 0 {
		return
	}
	metric_helper.TokenTotal.WithLabelValues(t.Router, t.Channel, t.Model, "input").Add(float64(t.InputTokens))
	metric_helper.TokenTotal.WithLabelValues(t.Router, t.Channel, t.Model, "output").Add(float64(t.OutputTokens))
	logger.Log(t.Router, t.Channel, t.Model, t.InputTokens, t.OutputTokens)
}
