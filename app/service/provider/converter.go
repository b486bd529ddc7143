package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Anthropic 客户端打到 OpenAI 兼容上游时的双向协议转换

// ConvertAnthropicRequestToOpenAI 把 Anthropic 请求体翻译为 OpenAI 形态
// 顶层 system 提示转为 system 消息，仅搬运 OpenAI 认识的参数子集
func ConvertAnthropicRequestToOpenAI(body []byte) []byte {
	var value map[string]json.RawMessage
	if err := json.Unmarshal(body, &value); err != nil {
		return body
	}

	out := make(map[string]json.RawMessage)

	if model, ok := value["model"]; ok {
		out["model"] = model
	}

	if rawMessages, ok := value["messages"]; ok {
		var messages []json.RawMessage
		if err := json.Unmarshal(rawMessages, &messages); err == nil {
			newMessages := make([]json.RawMessage, 0, len(messages)+1)
			if rawSystem, ok := value["system"]; ok {
				var system string
				if err := json.Unmarshal(rawSystem, &system); err == nil && system != "" {
					sysMsg, _ := json.Marshal(map[string]string{
						"role":    "system",
						"content": system,
					})
					newMessages = append(newMessages, sysMsg)
				}
			}
			newMessages = append(newMessages, messages...)
			encoded, err := json.Marshal(newMessages)
			if err == nil {
				out["messages"] = encoded
			}
		}
	}

	for _, key := range []string{"max_tokens", "temperature", "top_p", "top_k", "stream"} {
		if v, ok := value[key]; ok {
			out[key] = v
		}
	}

	newBody, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return newBody
}

// ConvertOpenAIResponseToAnthropic 把 OpenAI 响应体翻译为 Anthropic 消息形态
func ConvertOpenAIResponseToAnthropic(body []byte) []byte {
	var val map[string]any
	if err := json.Unmarshal(body, &val); err != nil {
		return body
	}

	// 错误响应
	if rawErr, ok := val["error"]; ok && rawErr != nil {
		message := "Unknown error"
		errType := "invalid_request_error"
		if errObj, ok := rawErr.(map[string]any); ok {
			if m, ok := errObj["message"].(string); ok {
				message = m
			}
			if t, ok := errObj["type"].(string); ok {
				errType = t
			}
		}
		converted, err := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    errType,
				"message": message,
			},
		})
		if err != nil {
			return body
		}
		return converted
	}

	out := make(map[string]any)
	if id, ok := val["id"]; ok {
		out["id"] = id
	}
	out["type"] = "message"
	out["role"] = "assistant"

	if choices, ok := val["choices"].([]any); ok && len(choices) > 0 {
		first, _ := choices[0].(map[string]any)
		if message, ok := first["message"].(map[string]any); ok {
			if content, ok := message["content"].(string); ok {
				out["content"] = []any{
					map[string]any{"type": "text", "text": content},
				}
			}
		}
		if fr, ok := first["finish_reason"].(string); ok {
			out["stop_reason"] = mapStopReason(fr)
		} else {
			out["stop_reason"] = "end_turn"
		}
	}

	if modelName, ok := val["model"]; ok {
		out["model"] = modelName
	}

	if usage, ok := val["usage"].(map[string]any); ok {
		newUsage := make(map[string]any)
		if pt, ok := usage["prompt_tokens"]; ok {
			newUsage["input_tokens"] = pt
		}
		if ct, ok := usage["completion_tokens"]; ok {
			newUsage["output_tokens"] = ct
		}
		out["usage"] = newUsage
	}

	converted, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return converted
}

func mapStopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return "stop_sequence"
	}
}

// StreamConverter 把 OpenAI SSE 流逐行转换为 Anthropic 事件流
// 状态机：首个数据行补发 message_start / content_block_start 头部事件
type StreamConverter struct {
	sentHeader bool
}

// ConvertLine 转换一个 OpenAI data 行，返回要下发的 Anthropic SSE 事件字节
// 非 data 行与空行返回 nil
func (sc *StreamConverter) ConvertLine(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data: ")) {
		return nil
	}
	data := bytes.TrimPrefix(line, []byte("data: "))

	if bytes.Equal(data, []byte("[DONE]")) {
		return sseEvent("message_stop", map[string]any{"type": "message_stop"})
	}

	var val map[string]any
	if err := json.Unmarshal(data, &val); err != nil {
		return nil
	}

	var out bytes.Buffer

	if !sc.sentHeader {
		id, _ := val["id"].(string)
		if id == "" {
			id = "msg_123"
		}
		modelName, _ := val["model"].(string)
		if modelName == "" {
			modelName = "model"
		}
		out.Write(sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         modelName,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}))
		out.Write(sseEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		}))
		sc.sentHeader = true
	}

	if choices, ok := val["choices"].([]any); ok && len(choices) > 0 {
		choice, _ := choices[0].(map[string]any)
		if delta, ok := choice["delta"].(map[string]any); ok {
			if content, ok := delta["content"].(string); ok && content != "" {
				out.Write(sseEvent("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": 0,
					"delta": map[string]any{"type": "text_delta", "text": content},
				}))
			}
		}
		if fr, ok := choice["finish_reason"].(string); ok && fr != "" {
			out.Write(sseEvent("message_delta", map[string]any{
				"type": "message_delta",
				"delta": map[string]any{
					"stop_reason":   mapStopReason(fr),
					"stop_sequence": nil,
				},
				"usage": map[string]int{"output_tokens": 0},
			}))
		}
	}

	if out.Len() == 0 {
		return nil
	}
	return out.Bytes()
}

func sseEvent(event string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}
