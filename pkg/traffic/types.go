package traffic

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind 捕获来源类型
type Kind string

const (
	KindXHR   Kind = "XHR"
	KindFetch Kind = "FETCH"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写），重复设置时后写覆盖
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Capture 一次网络调用的捕获记录（请求 + 响应元数据）
type Capture struct {
	URL             string          `json:"url"`
	Method          string          `json:"method"`
	RequestHeaders  Header          `json:"requestHeaders"`
	RequestBody     json.RawMessage `json:"requestBody"`
	ResponseHeaders Header          `json:"responseHeaders"`
	ResponseBody    json.RawMessage `json:"responseBody"`
	Status          int             `json:"status"`
	DurationMs      int64           `json:"durationMs"`
	Kind            Kind            `json:"kind"`
}

// NewCapture 创建初始化捕获对象
func NewCapture(kind Kind) *Capture {
	return &Capture{
		RequestHeaders:  make(Header),
		ResponseHeaders: make(Header),
		RequestBody:     nullBody(),
		ResponseBody:    nullBody(),
		Kind:            kind,
	}
}

// Normalize 规范化捕获记录
func (c *Capture) Normalize() {
	c.URL = strings.ToLower(strings.TrimSpace(c.URL))
	c.Method = strings.ToUpper(c.Method)
	if c.Method == "" {
		c.Method = "GET"
	}
	if c.DurationMs < 0 {
		c.DurationMs = 0
	}
	if Kind(strings.ToUpper(string(c.Kind))) == KindXHR {
		c.Kind = KindXHR
	} else {
		c.Kind = KindFetch
	}
	if c.RequestHeaders == nil {
		c.RequestHeaders = make(Header)
	}
	if c.ResponseHeaders == nil {
		c.ResponseHeaders = make(Header)
	}
	if len(c.RequestBody) == 0 {
		c.RequestBody = nullBody()
	}
	if len(c.ResponseBody) == 0 {
		c.ResponseBody = nullBody()
	}
}

// ParseBody 优先按 JSON 解析，失败则保留原始文本
func ParseBody(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nullBody()
	}
	if gjson.ValidBytes(raw) {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}
	b, err := json.Marshal(string(raw))
	if err != nil {
		return nullBody()
	}
	return b
}

// BodyText 返回主体的文本形式：字符串主体返回原文，结构化主体返回 JSON
func BodyText(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	r := gjson.ParseBytes(body)
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.String()
	default:
		return r.Raw
	}
}

// BodyValue 将主体解码为通用值
func BodyValue(body json.RawMessage) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}
	return v
}

func nullBody() json.RawMessage {
	return json.RawMessage("null")
}
