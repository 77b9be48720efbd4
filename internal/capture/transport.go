package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"netsense/internal/bridge"
	"netsense/internal/logger"
	"netsense/pkg/traffic"
)

// Emitter 捕获事件的接收方
type Emitter interface {
	Emit(ev bridge.Event)
}

// Transport 记录每次往返的 http.RoundTripper
type Transport struct {
	Base      http.RoundTripper
	Events    Emitter
	Threshold int64
	paused    atomic.Bool
	log       logger.Logger
}

// Wrap 包装传输层，已包装的传输层原样返回
func Wrap(base http.RoundTripper, events Emitter, threshold int64, l logger.Logger) http.RoundTripper {
	if t, ok := base.(*Transport); ok {
		return t
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Transport{Base: base, Events: events, Threshold: threshold, log: l}
}

// RoundTrip 执行原始请求并在完成后发出捕获事件，记录过程中的错误不影响原始请求
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.paused.Load() {
		return t.Base.RoundTrip(req)
	}
	start := time.Now()
	rec := t.begin(req)

	res, err := t.Base.RoundTrip(req)
	if rec == nil {
		return res, err
	}
	t.complete(rec, res, err, start)
	return res, err
}

func (t *Transport) begin(req *http.Request) (rec *traffic.Capture) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("请求记录失败", "panic", r)
			rec = nil
		}
	}()

	rec = traffic.NewCapture(traffic.KindFetch)
	rec.URL = req.URL.String()
	rec.Method = req.Method
	for name, values := range req.Header {
		for _, v := range values {
			rec.RequestHeaders.Set(name, v)
		}
	}
	if body := t.requestBody(req); body != nil {
		rec.RequestBody = traffic.ParseBody(body)
	}
	return rec
}

// requestBody 读取不超过阈值的请求体，超出阈值时与响应体一样跳过
func (t *Transport) requestBody(req *http.Request) []byte {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if t.Threshold > 0 && req.ContentLength > t.Threshold {
		return nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil
		}
		defer rc.Close()
		b, err := io.ReadAll(t.limit(rc))
		if err != nil || t.oversized(b) {
			return nil
		}
		return b
	}
	if t.Threshold > 0 && req.ContentLength < 0 {
		head, err := io.ReadAll(io.LimitReader(req.Body, t.Threshold+1))
		req.Body = &joinedBody{Reader: io.MultiReader(bytes.NewReader(head), req.Body), closer: req.Body}
		if err != nil || t.oversized(head) {
			return nil
		}
		return head
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return nil
	}
	return b
}

func (t *Transport) complete(rec *traffic.Capture, res *http.Response, rtErr error, start time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("响应记录失败", "panic", r)
		}
	}()

	if rtErr == nil && res != nil {
		rec.Status = res.StatusCode
		for name, values := range res.Header {
			for _, v := range values {
				rec.ResponseHeaders.Set(name, v)
			}
		}
		if body, ok := t.responseBody(res); ok {
			rec.ResponseBody = traffic.ParseBody(body)
		}
	}
	rec.DurationMs = time.Since(start).Milliseconds()
	rec.Normalize()

	ev, err := EncodeEvent(*rec)
	if err != nil {
		t.log.Warn("捕获记录序列化失败", "error", err.Error())
		return
	}
	if t.Events != nil {
		t.Events.Emit(ev)
	}
}

// responseBody 读取不超过阈值的响应体，并为调用方恢复可读的 Body
func (t *Transport) responseBody(res *http.Response) ([]byte, bool) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, false
	}
	if t.Threshold > 0 && res.ContentLength > t.Threshold {
		return nil, false
	}
	if t.Threshold > 0 && res.ContentLength < 0 {
		// 长度未知时最多读取阈值大小，超出部分与剩余流拼接后交还调用方
		head, err := io.ReadAll(io.LimitReader(res.Body, t.Threshold+1))
		res.Body = &joinedBody{Reader: io.MultiReader(bytes.NewReader(head), res.Body), closer: res.Body}
		if err != nil || t.oversized(head) {
			return nil, false
		}
		return head, true
	}
	b, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return nil, false
	}
	return b, true
}

// limit 多读一个字节用于判断是否超出阈值
func (t *Transport) limit(r io.Reader) io.Reader {
	if t.Threshold <= 0 {
		return r
	}
	return io.LimitReader(r, t.Threshold+1)
}

func (t *Transport) oversized(b []byte) bool {
	return t.Threshold > 0 && int64(len(b)) > t.Threshold
}

type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (b *joinedBody) Close() error { return b.closer.Close() }

// ClientShim 为进程内 http.Client 安装捕获传输层
type ClientShim struct {
	client    *http.Client
	events    Emitter
	threshold int64
	mu        sync.Mutex
	installed bool
	transport *Transport
	log       logger.Logger
}

// NewClientShim 创建客户端捕获器
func NewClientShim(client *http.Client, events Emitter, threshold int64, l logger.Logger) *ClientShim {
	if l == nil {
		l = logger.NewNop()
	}
	return &ClientShim{client: client, events: events, threshold: threshold, log: l}
}

// EnsureInstalled 幂等安装
func (s *ClientShim) EnsureInstalled(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed {
		return nil
	}
	if s.transport == nil {
		rt := Wrap(s.client.Transport, s.events, s.threshold, s.log)
		t, ok := rt.(*Transport)
		if !ok {
			return fmt.Errorf("unexpected transport %T", rt)
		}
		s.transport = t
		s.client.Transport = t
	}
	s.transport.paused.Store(false)
	s.installed = true
	return nil
}

// Uninstall 暂停记录，之后的请求直接交给原传输层，client.Transport 保持不变
func (s *ClientShim) Uninstall(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return nil
	}
	s.transport.paused.Store(true)
	s.installed = false
	return nil
}

// Installed 是否已安装
func (s *ClientShim) Installed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed
}
