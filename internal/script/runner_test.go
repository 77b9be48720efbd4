package script_test

import (
	"encoding/json"
	"errors"
	"testing"

	"netsense/internal/script"
	"netsense/pkg/traffic"
)

func sample(body string) traffic.Capture {
	c := traffic.NewCapture(traffic.KindXHR)
	c.URL = "https://example.com/api/users"
	c.Method = "POST"
	c.Status = 200
	c.DurationMs = 42
	c.RequestHeaders.Set("X-Trace", "abc")
	c.ResponseHeaders.Set("Content-Type", "application/json")
	c.ResponseBody = traffic.ParseBody([]byte(body))
	return *c
}

func TestRunner_Veto(t *testing.T) {
	r := script.NewRunner(8, nil)
	c := sample(`{"ok":true,"items":[1,2,3]}`)

	tests := []struct {
		name   string
		source string
		veto   bool
	}{
		{"status", `status == 200`, false},
		{"status-veto", `status >= 400`, true},
		{"method", `method == "POST" && kind == "XHR"`, false},
		{"url", `url contains "/api/"`, false},
		{"header", `header("content-type") == "application/json"`, false},
		{"request-header", `header("x-trace") == "abc"`, false},
		{"json-path", `jsonPath("$.ok") == true`, false},
		{"json-path-veto", `jsonPath("$.ok") == false`, true},
		{"non-bool", `durationMs * 2`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(tt.name, tt.source, c)
			if err != nil {
				t.Fatal(err)
			}
			if res.Veto != tt.veto {
				t.Errorf("veto = %v, want %v (value %v)", res.Veto, tt.veto, res.Value)
			}
		})
	}
}

func TestRunner_XPath(t *testing.T) {
	r := script.NewRunner(8, nil)
	c := sample(`<user><name>ada</name></user>`)
	if string(c.ResponseBody) != `"<user><name>ada</name></user>"` {
		t.Fatalf("body = %s", c.ResponseBody)
	}
	res, err := r.Run("xml", `xpath("//name") == "ada"`, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != true {
		t.Errorf("value = %v", res.Value)
	}
}

func TestRunner_Errors(t *testing.T) {
	r := script.NewRunner(8, nil)
	c := sample(`null`)

	if _, err := r.Run("empty", "   ", c); !errors.Is(err, script.ErrEmptyScript) {
		t.Errorf("err = %v", err)
	}
	if _, err := r.Run("bad", `status ==`, c); err == nil {
		t.Error("expected compile error")
	}
	if _, err := r.Run("unknown", `fetch("http://x")`, c); err == nil {
		t.Error("scripts must not reach undeclared functions")
	}
	res, err := r.Run("missing-path", `jsonPath("$.nope") == nil`, c)
	if err != nil || res.Value != true {
		t.Errorf("value = %v err = %v", res.Value, err)
	}
}

func TestRunner_CompileCachesPrograms(t *testing.T) {
	r := script.NewRunner(2, nil)
	a, err := r.Compile(`status == 200`)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Compile("  status == 200\n")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected cached program")
	}
}

func TestRunner_RequestBodyValue(t *testing.T) {
	r := script.NewRunner(0, nil)
	c := sample(`null`)
	c.RequestBody = json.RawMessage(`{"user":{"id":7}}`)
	res, err := r.Run("body", `requestBody.user.id == 7`, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Veto || res.Value != true {
		t.Errorf("result = %+v", res)
	}
}
