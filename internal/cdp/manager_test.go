package cdp_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"netsense/internal/cdp"
	"netsense/pkg/model"
)

func devtoolsServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/list" && r.URL.Path != "/json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_ListTargetsKeepsPages(t *testing.T) {
	srv := devtoolsServer(t, `[
		{"id":"A1","type":"page","url":"https://shop.example.com/cart","title":"Cart"},
		{"id":"W1","type":"service_worker","url":"https://shop.example.com/sw.js"}
	]`)
	m := cdp.New(srv.URL, nil)

	infos, err := m.ListTargets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != "A1" || infos[0].Origin != "shop.example.com" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestManager_AttachWithoutPage(t *testing.T) {
	srv := devtoolsServer(t, `[{"id":"W1","type":"service_worker","url":"https://a.com/sw.js"}]`)
	m := cdp.New(srv.URL, nil)

	if _, err := m.Attach(context.Background(), ""); !errors.Is(err, cdp.ErrNoTarget) {
		t.Errorf("err = %v", err)
	}
	if _, err := m.Attach(context.Background(), model.TargetID("missing")); !errors.Is(err, cdp.ErrNoTarget) {
		t.Errorf("err = %v", err)
	}
	if len(m.Attached()) != 0 {
		t.Errorf("attached = %v", m.Attached())
	}
}

func TestManager_UnreachableBrowser(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := cdp.New(url, nil)
	if _, err := m.ListTargets(context.Background()); err == nil {
		t.Error("expected error")
	}
	if err := m.Detach("nope"); err != nil {
		t.Errorf("detach unknown = %v", err)
	}
}
