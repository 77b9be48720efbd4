package session_test

import (
	"context"
	"errors"
	"testing"

	"netsense/internal/bridge"
	"netsense/internal/match"
	"netsense/internal/protocol"
	"netsense/internal/session"
	"netsense/pkg/model"
)

func TestManager_CreateGetDelete(t *testing.T) {
	m := session.NewManager(8, nil)

	tab, err := m.Create("b", "https://Example.com/a", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("b", "https://example.com", true); !errors.Is(err, session.ErrTabExists) {
		t.Errorf("duplicate err = %v", err)
	}
	_, _ = m.Create("a", "https://other.org", false)

	if got, ok := m.Get("b"); !ok || got != tab {
		t.Error("get returned a different tab")
	}
	list := m.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("list order = %v, %v", list[0].ID, list[1].ID)
	}

	info := tab.Info()
	if info.Origin != "example.com" || !info.IsLocal || info.Attached {
		t.Errorf("info = %+v", info)
	}

	var closed bool
	tab.OnClose(func() { closed = true })
	if err := m.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Error("close hook not run")
	}
	if err := m.Delete("b"); !errors.Is(err, session.ErrTabNotFound) {
		t.Errorf("second delete err = %v", err)
	}
	if _, err := tab.Port.Request(context.Background(), protocol.LoggingGet{}); !errors.Is(err, bridge.ErrDisconnected) {
		t.Errorf("request after close err = %v", err)
	}
}

func TestTab_BindServesEngine(t *testing.T) {
	m := session.NewManager(8, nil)
	defer m.Close()
	tab, _ := m.Create("t1", "https://example.com", true)

	background := bridge.NewPort("background", nil)
	defer background.Close()
	engine := match.New(match.Config{Target: tab.ID, Background: background, Events: tab.Events})
	tab.Bind(context.Background(), engine)
	engine.SetLogging(true)

	raw, err := tab.Port.Request(context.Background(), protocol.LoggingGet{})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "true" {
		t.Errorf("logging reply = %s", raw)
	}
	if tab.Engine() != engine {
		t.Error("engine not bound")
	}

	tab.SetURL("https://next.example.com/x")
	if tab.Info().Origin != model.NormalizeOrigin("next.example.com") {
		t.Errorf("origin = %s", tab.Info().Origin)
	}
}
