package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"netsense/internal/config"
	"netsense/internal/handler"
	"netsense/internal/protocol"
	"netsense/pkg/api"
	"netsense/pkg/model"
)

func setup(t *testing.T, opts ...handler.Option) (api.Service, *httptest.Server) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Sqlite.Dsn = filepath.Join(t.TempDir(), "netsense.sqlite3")
	svc, err := api.NewService(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(handler.New(svc, 2*time.Second, nil, opts...).Router())
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close()
	})
	return svc, srv
}

func post(t *testing.T, url string, body []byte) (int, []byte) {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res.StatusCode, b
}

func envelope(t *testing.T, m protocol.Message) []byte {
	t.Helper()
	b, err := protocol.EncodeFrom(protocol.FromPopup, m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestState(t *testing.T) {
	_, srv := setup(t)
	res, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var st model.State
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Phase != model.PhaseReady || st.Tampered {
		t.Errorf("state = %+v", st)
	}
}

func TestRPC_RoundTrip(t *testing.T) {
	_, srv := setup(t)

	code, body := post(t, srv.URL+"/rpc", envelope(t, protocol.OriginAdd{Name: "Example.com"}))
	if code != http.StatusOK || gjson.GetBytes(body, "0.name").String() != "example.com" {
		t.Errorf("add = %d %s", code, body)
	}
	code, body = post(t, srv.URL+"/rpc", envelope(t, protocol.OriginGet{Name: "missing.com"}))
	if code != http.StatusOK || strings.TrimSpace(string(body)) != "null" {
		t.Errorf("miss = %d %s", code, body)
	}
	code, body = post(t, srv.URL+"/rpc", envelope(t, protocol.SubpathAdd{Origin: "missing.com", Subpath: "missing.com/x"}))
	if code != http.StatusOK || protocol.ReplyError(body) == nil {
		t.Errorf("failed mutation = %d %s", code, body)
	}
}

func TestRPC_InvalidEnvelope(t *testing.T) {
	_, srv := setup(t)
	for _, body := range []string{`not json`, `{"query":"nope","params":[]}`, `{"query":"toplink:add","params":[1]}`} {
		code, out := post(t, srv.URL+"/rpc", []byte(body))
		if code != http.StatusBadRequest || gjson.GetBytes(out, "error").String() == "" {
			t.Errorf("%s -> %d %s", body, code, out)
		}
	}
}

func TestTabs(t *testing.T) {
	svc, srv := setup(t)
	info, _, err := svc.OpenLocalTab(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}

	res, err := http.Get(srv.URL + "/tabs")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if gjson.GetBytes(b, "0.id").String() != string(info.ID) {
		t.Errorf("tabs = %s", b)
	}

	code, body := post(t, srv.URL+"/tabs/"+string(info.ID)+"/rpc", envelope(t, protocol.LoggingSet{Enabled: true}))
	if code != http.StatusOK || string(body) != "true" {
		t.Errorf("logging:set = %d %s", code, body)
	}
	code, body = post(t, srv.URL+"/tabs/"+string(info.ID)+"/rpc", envelope(t, protocol.OriginList{}))
	if code != http.StatusOK || protocol.ReplyError(body) == nil {
		t.Errorf("background query sent to tab = %d %s", code, body)
	}
	code, _ = post(t, srv.URL+"/tabs/missing/rpc", envelope(t, protocol.LoggingGet{}))
	if code != http.StatusNotFound {
		t.Errorf("missing tab = %d", code)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tabs/"+string(info.ID), nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent || len(svc.ListTabs()) != 0 {
		t.Errorf("delete = %d tabs = %v", res.StatusCode, svc.ListTabs())
	}
}

func TestBrowserNotConfigured(t *testing.T) {
	_, srv := setup(t)
	res, err := http.Get(srv.URL + "/browser/targets")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", res.StatusCode)
	}
}

func TestEventsWebsocket(t *testing.T) {
	svc, srv := setup(t)
	post(t, srv.URL+"/rpc", envelope(t, protocol.OriginAdd{Name: "example.com"}))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, _, err := svc.OpenLocalTab(context.Background(), "https://example.com/"); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt model.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != model.EventAttached || evt.URL != "example.com" {
		t.Errorf("event = %+v", evt)
	}
}

func send(t *testing.T, method, url, contentType, origin string, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	return res.StatusCode
}

func TestForeignOriginIsRejected(t *testing.T) {
	svc, srv := setup(t)
	body := envelope(t, protocol.EndpointAdd{URL: "https://collector.evil.example"})

	if code := send(t, http.MethodPost, srv.URL+"/rpc", "application/json", "https://evil.example", body); code != http.StatusForbidden {
		t.Errorf("foreign rpc = %d", code)
	}
	if code := send(t, http.MethodPost, srv.URL+"/rpc", "text/plain", "", body); code != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain rpc = %d", code)
	}
	raw, err := svc.Call(context.Background(), envelope(t, protocol.EndpointList{}))
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(raw, "#").Int() != 0 {
		t.Errorf("endpoint registered by a rejected request: %s", raw)
	}

	header := http.Header{"Origin": {"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", header)
	if err == nil {
		t.Fatal("foreign origin opened the event feed")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %v", res)
	}
}

func TestSameAndAllowedOrigins(t *testing.T) {
	_, srv := setup(t, handler.WithAllowedOrigins("chrome-extension://popup/"))
	body := envelope(t, protocol.StateGet{})

	if code := send(t, http.MethodPost, srv.URL+"/rpc", "application/json", srv.URL, body); code != http.StatusOK {
		t.Errorf("same origin rpc = %d", code)
	}
	if code := send(t, http.MethodPost, srv.URL+"/rpc", "application/json; charset=utf-8", "chrome-extension://popup", body); code != http.StatusOK {
		t.Errorf("allowed origin rpc = %d", code)
	}

	header := http.Header{"Origin": {"chrome-extension://popup"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", header)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}
