package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"netsense/pkg/traffic"
)

// Query 消息类型标识
type Query string

// 后台侧查询
const (
	QueryOriginGet        Query = "toplink:get"
	QuerySubpathGet       Query = "sublink:get"
	QueryScriptContent    Query = "script:content"
	QueryEndpointsTrigger Query = "endpoints:trigger"
)

// 内容脚本侧查询
const (
	QueryMatch      Query = "match"
	QueryReload     Query = "reload"
	QueryLoggingSet Query = "logging:set"
	QueryLoggingGet Query = "logging:get"
)

// 弹窗管理查询
const (
	QueryOriginAdd       Query = "toplink:add"
	QueryOriginRemove    Query = "toplink:remove"
	QueryOriginList      Query = "toplink:list"
	QuerySubpathAdd      Query = "sublink:add"
	QuerySubpathRemove   Query = "sublink:remove"
	QuerySubpathList     Query = "sublink:list"
	QuerySubpathLogging  Query = "sublink:logging"
	QuerySubpathEndpoint Query = "sublink:endpoint"
	QuerySubpathScript   Query = "sublink:script"
	QueryEndpointAdd     Query = "endpoint:add"
	QueryEndpointRemove  Query = "endpoint:remove"
	QueryEndpointList    Query = "endpoint:list"
	QueryEndpointProbe   Query = "endpoint:probe"
	QueryScriptAdd       Query = "script:add"
	QueryScriptSet       Query = "script:set"
	QueryScriptRemove    Query = "script:remove"
	QueryScriptList      Query = "script:list"
	QueryStateGet        Query = "state:get"
)

// FromPopup 弹窗发出的消息来源标识
const FromPopup = "popup"

// ErrInvalidRequest 无法识别的消息
var ErrInvalidRequest = errors.New("invalid request type")

// Envelope 跨上下文消息信封
type Envelope struct {
	From   string `json:"from,omitempty"`
	Type   string `json:"type,omitempty"`
	Query  Query  `json:"query"`
	Params []any  `json:"params"`
}

// Message 封闭的消息联合类型
type Message interface {
	Query() Query
	params() []any
}

type (
	OriginGet        struct{ Name string }
	SubpathGet       struct{ Key string }
	ScriptContent    struct{ Name string }
	EndpointsTrigger struct {
		Payload   traffic.Capture
		Endpoints []string
	}

	Match      struct{ Origin string }
	Reload     struct{}
	LoggingSet struct{ Enabled bool }
	LoggingGet struct{}

	OriginAdd      struct{ Name string }
	OriginRemove   struct{ Name string }
	OriginList     struct{ Prefix string }
	SubpathAdd     struct{ Origin, Subpath string }
	SubpathRemove  struct{ Key string }
	SubpathList    struct{ Origin, Prefix string }
	SubpathLogging struct {
		Key     string
		Enabled bool
	}
	SubpathEndpoint struct {
		Key, Endpoint string
		Attach        bool
	}
	SubpathScript struct {
		Key, Script string
		Attach      bool
	}
	EndpointAdd    struct{ URL string }
	EndpointRemove struct{ URL string }
	EndpointList   struct{ Prefix string }
	EndpointProbe  struct {
		URL     string
		Refresh bool
	}
	ScriptAdd    struct{ Name, Content string }
	ScriptSet    struct{ Name, Content string }
	ScriptRemove struct{ Name string }
	ScriptList   struct{ Prefix string }
	StateGet     struct{}
)

func (OriginGet) Query() Query        { return QueryOriginGet }
func (SubpathGet) Query() Query       { return QuerySubpathGet }
func (ScriptContent) Query() Query    { return QueryScriptContent }
func (EndpointsTrigger) Query() Query { return QueryEndpointsTrigger }
func (Match) Query() Query            { return QueryMatch }
func (Reload) Query() Query           { return QueryReload }
func (LoggingSet) Query() Query       { return QueryLoggingSet }
func (LoggingGet) Query() Query       { return QueryLoggingGet }
func (OriginAdd) Query() Query        { return QueryOriginAdd }
func (OriginRemove) Query() Query     { return QueryOriginRemove }
func (OriginList) Query() Query       { return QueryOriginList }
func (SubpathAdd) Query() Query       { return QuerySubpathAdd }
func (SubpathRemove) Query() Query    { return QuerySubpathRemove }
func (SubpathList) Query() Query      { return QuerySubpathList }
func (SubpathLogging) Query() Query   { return QuerySubpathLogging }
func (SubpathEndpoint) Query() Query  { return QuerySubpathEndpoint }
func (SubpathScript) Query() Query    { return QuerySubpathScript }
func (EndpointAdd) Query() Query      { return QueryEndpointAdd }
func (EndpointRemove) Query() Query   { return QueryEndpointRemove }
func (EndpointList) Query() Query     { return QueryEndpointList }
func (EndpointProbe) Query() Query    { return QueryEndpointProbe }
func (ScriptAdd) Query() Query        { return QueryScriptAdd }
func (ScriptSet) Query() Query        { return QueryScriptSet }
func (ScriptRemove) Query() Query     { return QueryScriptRemove }
func (ScriptList) Query() Query       { return QueryScriptList }
func (StateGet) Query() Query         { return QueryStateGet }

func (m OriginGet) params() []any        { return []any{m.Name} }
func (m SubpathGet) params() []any       { return []any{m.Key} }
func (m ScriptContent) params() []any    { return []any{m.Name} }
func (m EndpointsTrigger) params() []any { return []any{m.Payload, m.Endpoints} }
func (m Match) params() []any            { return []any{m.Origin} }
func (Reload) params() []any             { return []any{} }
func (m LoggingSet) params() []any       { return []any{m.Enabled} }
func (LoggingGet) params() []any         { return []any{} }
func (m OriginAdd) params() []any        { return []any{m.Name} }
func (m OriginRemove) params() []any     { return []any{m.Name} }
func (m OriginList) params() []any       { return []any{m.Prefix} }
func (m SubpathAdd) params() []any       { return []any{m.Origin, m.Subpath} }
func (m SubpathRemove) params() []any    { return []any{m.Key} }
func (m SubpathList) params() []any      { return []any{m.Origin, m.Prefix} }
func (m SubpathLogging) params() []any   { return []any{m.Key, m.Enabled} }
func (m SubpathEndpoint) params() []any  { return []any{m.Key, m.Endpoint, m.Attach} }
func (m SubpathScript) params() []any    { return []any{m.Key, m.Script, m.Attach} }
func (m EndpointAdd) params() []any      { return []any{m.URL} }
func (m EndpointRemove) params() []any   { return []any{m.URL} }
func (m EndpointList) params() []any     { return []any{m.Prefix} }
func (m EndpointProbe) params() []any    { return []any{m.URL, m.Refresh} }
func (m ScriptAdd) params() []any        { return []any{m.Name, m.Content} }
func (m ScriptSet) params() []any        { return []any{m.Name, m.Content} }
func (m ScriptRemove) params() []any     { return []any{m.Name} }
func (m ScriptList) params() []any       { return []any{m.Prefix} }
func (StateGet) params() []any           { return []any{} }

// Encode 序列化消息
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrInvalidRequest
	}
	return json.Marshal(Envelope{Type: "query", Query: m.Query(), Params: m.params()})
}

// EncodeFrom 序列化带来源标识的消息
func EncodeFrom(from string, m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrInvalidRequest
	}
	return json.Marshal(Envelope{From: from, Type: "query", Query: m.Query(), Params: m.params()})
}

// Decode 解析消息信封，未知类型或参数不合法时返回 ErrInvalidRequest
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed envelope", ErrInvalidRequest)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: envelope is not an object", ErrInvalidRequest)
	}
	p := params{list: root.Get("params").Array()}
	q := Query(root.Get("query").String())

	var m Message
	switch q {
	case QueryOriginGet:
		m = OriginGet{Name: p.str(0)}
	case QuerySubpathGet:
		m = SubpathGet{Key: p.str(0)}
	case QueryScriptContent:
		m = ScriptContent{Name: p.str(0)}
	case QueryEndpointsTrigger:
		m = EndpointsTrigger{Payload: p.capture(0), Endpoints: p.strs(1)}
	case QueryMatch:
		m = Match{Origin: p.str(0)}
	case QueryReload:
		m = Reload{}
	case QueryLoggingSet:
		m = LoggingSet{Enabled: p.boolean(0)}
	case QueryLoggingGet:
		m = LoggingGet{}
	case QueryOriginAdd:
		m = OriginAdd{Name: p.str(0)}
	case QueryOriginRemove:
		m = OriginRemove{Name: p.str(0)}
	case QueryOriginList:
		m = OriginList{Prefix: p.optStr(0)}
	case QuerySubpathAdd:
		m = SubpathAdd{Origin: p.str(0), Subpath: p.str(1)}
	case QuerySubpathRemove:
		m = SubpathRemove{Key: p.str(0)}
	case QuerySubpathList:
		m = SubpathList{Origin: p.str(0), Prefix: p.optStr(1)}
	case QuerySubpathLogging:
		m = SubpathLogging{Key: p.str(0), Enabled: p.boolean(1)}
	case QuerySubpathEndpoint:
		m = SubpathEndpoint{Key: p.str(0), Endpoint: p.str(1), Attach: p.boolean(2)}
	case QuerySubpathScript:
		m = SubpathScript{Key: p.str(0), Script: p.str(1), Attach: p.boolean(2)}
	case QueryEndpointAdd:
		m = EndpointAdd{URL: p.str(0)}
	case QueryEndpointRemove:
		m = EndpointRemove{URL: p.str(0)}
	case QueryEndpointList:
		m = EndpointList{Prefix: p.optStr(0)}
	case QueryEndpointProbe:
		m = EndpointProbe{URL: p.str(0), Refresh: p.optBool(1)}
	case QueryScriptAdd:
		m = ScriptAdd{Name: p.str(0), Content: p.optStr(1)}
	case QueryScriptSet:
		m = ScriptSet{Name: p.str(0), Content: p.optStr(1)}
	case QueryScriptRemove:
		m = ScriptRemove{Name: p.str(0)}
	case QueryScriptList:
		m = ScriptList{Prefix: p.optStr(0)}
	case QueryStateGet:
		m = StateGet{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRequest, q)
	}
	if p.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, q, p.err)
	}
	return m, nil
}

// params 参数读取器，记录首个类型错误
type params struct {
	list []gjson.Result
	err  error
}

func (p *params) at(i int) (gjson.Result, bool) {
	if i >= len(p.list) {
		return gjson.Result{}, false
	}
	return p.list[i], true
}

func (p *params) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func (p *params) str(i int) string {
	v, ok := p.at(i)
	if !ok || v.Type != gjson.String || v.Str == "" {
		p.fail("param %d must be a non-empty string", i)
		return ""
	}
	return v.Str
}

func (p *params) optStr(i int) string {
	v, ok := p.at(i)
	if !ok || v.Type == gjson.Null {
		return ""
	}
	if v.Type != gjson.String {
		p.fail("param %d must be a string", i)
		return ""
	}
	return v.Str
}

func (p *params) boolean(i int) bool {
	v, ok := p.at(i)
	if !ok || !v.IsBool() {
		p.fail("param %d must be a boolean", i)
		return false
	}
	return v.Bool()
}

func (p *params) optBool(i int) bool {
	v, ok := p.at(i)
	if !ok || v.Type == gjson.Null {
		return false
	}
	if !v.IsBool() {
		p.fail("param %d must be a boolean", i)
		return false
	}
	return v.Bool()
}

func (p *params) strs(i int) []string {
	v, ok := p.at(i)
	if !ok || !v.IsArray() {
		p.fail("param %d must be an array", i)
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		if item.Type != gjson.String {
			p.fail("param %d must contain strings", i)
			return nil
		}
		out = append(out, item.Str)
	}
	return out
}

func (p *params) capture(i int) traffic.Capture {
	var c traffic.Capture
	v, ok := p.at(i)
	if !ok || !v.IsObject() {
		p.fail("param %d must be an object", i)
		return c
	}
	if err := json.Unmarshal([]byte(v.Raw), &c); err != nil {
		p.fail("param %d: %v", i, err)
		return c
	}
	c.Normalize()
	return c
}
