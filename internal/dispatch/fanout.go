package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"netsense/pkg/model"
	"netsense/pkg/traffic"
)

// ErrRateLimited 目标令牌不足，本次投递被丢弃
var ErrRateLimited = errors.New("delivery dropped by rate limit")

// Dispatch 并发向每个目标 POST 捕获记录。单个目标失败只记录日志，不影响其他目标；
// 投递与调用方的取消解耦，仅受转发超时约束
func (r *Relay) Dispatch(ctx context.Context, c traffic.Capture, endpoints []string) []model.Delivery {
	if len(endpoints) == 0 {
		return nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		r.log.Err(err, "捕获记录序列化失败", "url", c.URL)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	out := make([]model.Delivery, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			out[i] = r.deliver(ctx, ep, body)
		}(i, ep)
	}
	wg.Wait()
	return out
}

func (r *Relay) deliver(ctx context.Context, endpoint string, body []byte) (d model.Delivery) {
	d.Endpoint = endpoint
	defer func() {
		if rec := recover(); rec != nil {
			d.Error = fmt.Sprintf("panic: %v", rec)
			r.log.Error("转发异常", "endpoint", endpoint, "panic", rec)
		}
	}()

	if !r.limits.Allow(endpoint) {
		d.Error = ErrRateLimited.Error()
		r.log.Warn("转发被限速丢弃", "endpoint", endpoint)
		return d
	}

	status, err := r.post(ctx, endpoint, body)
	d.Status = status
	if err != nil {
		d.Error = err.Error()
		r.log.Warn("转发失败", "endpoint", endpoint, "status", status, "error", err.Error())
		return d
	}
	r.log.Debug("转发成功", "endpoint", endpoint, "status", status)
	return d
}

// post 发送 JSON 负载，非 2xx 视为失败
func (r *Relay) post(ctx context.Context, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
