package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PaesslerAG/jsonpath"
	"github.com/antchfx/xmlquery"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/golang/groupcache/lru"

	"netsense/internal/logger"
	"netsense/pkg/traffic"
)

// ErrEmptyScript 脚本内容为空
var ErrEmptyScript = errors.New("empty script")

// env 脚本可见的环境，不暴露任何 I/O
type env struct {
	URL             string            `expr:"url"`
	Method          string            `expr:"method"`
	Status          int               `expr:"status"`
	Kind            string            `expr:"kind"`
	DurationMs      int64             `expr:"durationMs"`
	RequestHeaders  map[string]string `expr:"requestHeaders"`
	ResponseHeaders map[string]string `expr:"responseHeaders"`
	RequestBody     any               `expr:"requestBody"`
	ResponseBody    any               `expr:"responseBody"`

	Header   func(string) string `expr:"header"`
	JsonPath func(string) any    `expr:"jsonPath"`
	XPath    func(string) string `expr:"xpath"`
}

// Result 一次脚本执行结果
type Result struct {
	Name  string
	Value any
	Veto  bool
}

// Runner 编译并执行子路径脚本钩子，编译结果按源码缓存
type Runner struct {
	mu    sync.Mutex
	cache *lru.Cache
	log   logger.Logger
}

// NewRunner 创建执行器
func NewRunner(size int, l logger.Logger) *Runner {
	if size <= 0 {
		size = 128
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Runner{cache: lru.New(size), log: l}
}

// Compile 编译脚本，命中缓存时直接返回
func (r *Runner) Compile(source string) (*vm.Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, ErrEmptyScript
	}

	r.mu.Lock()
	if v, ok := r.cache.Get(source); ok {
		r.mu.Unlock()
		return v.(*vm.Program), nil
	}
	r.mu.Unlock()

	program, err := expr.Compile(source, expr.Env(env{}))
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	r.mu.Lock()
	r.cache.Add(source, program)
	r.mu.Unlock()
	return program, nil
}

// Run 对捕获记录执行脚本；结果为布尔 false 时表示阻止转发
func (r *Runner) Run(name, source string, c traffic.Capture) (Result, error) {
	res := Result{Name: name}
	program, err := r.Compile(source)
	if err != nil {
		return res, err
	}
	out, err := expr.Run(program, newEnv(c))
	if err != nil {
		return res, fmt.Errorf("run script %s: %w", name, err)
	}
	res.Value = out
	if b, ok := out.(bool); ok && !b {
		res.Veto = true
	}
	r.log.Debug("脚本执行完成", "script", name, "veto", res.Veto)
	return res, nil
}

func newEnv(c traffic.Capture) env {
	responseText := traffic.BodyText(c.ResponseBody)
	return env{
		URL:             c.URL,
		Method:          c.Method,
		Status:          c.Status,
		Kind:            string(c.Kind),
		DurationMs:      c.DurationMs,
		RequestHeaders:  c.RequestHeaders,
		ResponseHeaders: c.ResponseHeaders,
		RequestBody:     traffic.BodyValue(c.RequestBody),
		ResponseBody:    traffic.BodyValue(c.ResponseBody),
		Header: func(name string) string {
			if v := c.ResponseHeaders.Get(name); v != "" {
				return v
			}
			return c.RequestHeaders.Get(name)
		},
		JsonPath: func(path string) any {
			return evalJSONPath(path, c.ResponseBody)
		},
		XPath: func(query string) string {
			return evalXPath(query, responseText)
		},
	}
}

func evalJSONPath(path string, body json.RawMessage) any {
	var data any
	if err := json.Unmarshal(body, &data); err != nil || data == nil {
		return nil
	}
	result, err := jsonpath.Get(path, data)
	if err != nil {
		return nil
	}
	return result
}

func evalXPath(query, body string) string {
	if body == "" {
		return ""
	}
	doc, err := xmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	node := xmlquery.FindOne(doc, query)
	if node == nil {
		return ""
	}
	return node.InnerText()
}
