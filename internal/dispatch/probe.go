package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/patrickmn/go-cache"
	"github.com/tidwall/sjson"
)

// 探测结果
const (
	ProbeOK    = "OK"
	ProbeError = "Error"
)

// probePayload 构造探测用的占位捕获记录
func probePayload() ([]byte, error) {
	body := []byte(`{}`)
	steps := []struct {
		path  string
		value any
	}{
		{"url", "http://dummy.netsense.com"},
		{"method", http.MethodGet},
		{"requestHeaders.content-type", "application/json"},
		{"requestBody", map[string]any{}},
		{"responseHeaders.content-type", "application/json"},
		{"responseBody.text", "Testing your endpoint@ netsense"},
		{"status", 200},
		{"durationMs", 0},
		{"kind", "FETCH"},
	}
	var err error
	for _, s := range steps {
		if body, err = sjson.SetBytes(body, s.path, s.value); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Probe 向目标发送占位记录检查可达性，结果按地址缓存；refresh 为 true 时跳过缓存
func (r *Relay) Probe(ctx context.Context, endpoint string, refresh bool) string {
	if !refresh {
		if v, ok := r.probes.Get(endpoint); ok {
			return v.(string)
		}
	}

	result := ProbeOK
	body, err := probePayload()
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		var status int
		status, err = r.post(pctx, endpoint, body)
		cancel()
		if err != nil && status != 0 {
			result = fmt.Sprintf("%s: %d", ProbeError, status)
		}
	}
	if err != nil && result == ProbeOK {
		result = ProbeError
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return result
	}

	r.probes.Set(endpoint, result, cache.DefaultExpiration)
	r.log.Debug("探测完成", "endpoint", endpoint, "result", result)
	return result
}
