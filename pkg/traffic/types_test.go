package traffic_test

import (
	"testing"

	"netsense/pkg/traffic"
)

func TestNormalize_Kind(t *testing.T) {
	cases := map[traffic.Kind]traffic.Kind{
		"XHR":   traffic.KindXHR,
		"xhr":   traffic.KindXHR,
		"Xhr":   traffic.KindXHR,
		"fetch": traffic.KindFetch,
		"":      traffic.KindFetch,
		"other": traffic.KindFetch,
	}
	for in, want := range cases {
		c := traffic.Capture{URL: "https://example.com/", Kind: in}
		c.Normalize()
		if c.Kind != want {
			t.Errorf("Normalize(%q).Kind = %q, want %q", in, c.Kind, want)
		}
	}
}

func TestNormalize_Defaults(t *testing.T) {
	c := traffic.Capture{URL: "  HTTPS://Example.com/API ", Method: "post", DurationMs: -4}
	c.Normalize()
	if c.URL != "https://example.com/api" || c.Method != "POST" || c.DurationMs != 0 {
		t.Errorf("normalized = %+v", c)
	}
	if string(c.RequestBody) != "null" || string(c.ResponseBody) != "null" {
		t.Errorf("bodies = %s %s", c.RequestBody, c.ResponseBody)
	}
}

func TestParseBody(t *testing.T) {
	if got := string(traffic.ParseBody([]byte(`{"a":1}`))); got != `{"a":1}` {
		t.Errorf("json body = %s", got)
	}
	if got := string(traffic.ParseBody([]byte(`plain text`))); got != `"plain text"` {
		t.Errorf("text body = %s", got)
	}
	if got := traffic.BodyText(traffic.ParseBody([]byte(`a=1`))); got != "a=1" {
		t.Errorf("BodyText = %q", got)
	}
}
