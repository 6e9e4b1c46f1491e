package util

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRandStringAlphabet(t *testing.T) {
	for _, n := range []int{1, PasteIDLength, SafetyTokenLength, 500} {
		s, err := RandString(n)
		if err != nil {
			t.Fatalf("RandString(%d) failed: %v", n, err)
		}
		if len(s) != n {
			t.Errorf("length mismatch: got %d, want %d", len(s), n)
		}
		for _, r := range s {
			if !strings.ContainsRune(base62Chars, r) {
				t.Fatalf("character %q outside base62 alphabet", r)
			}
		}
	}
}

func TestRandStringUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := GenPasteID()
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id after %d draws: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestHashTokenStable(t *testing.T) {
	a := HashToken("token-a")
	if a != HashToken("token-a") {
		t.Error("HashToken not deterministic")
	}
	if a == HashToken("token-b") {
		t.Error("different tokens share a digest")
	}
	if len(a) != 64 {
		t.Errorf("digest length: got %d, want 64", len(a))
	}
}

func TestRedact(t *testing.T) {
	if got := RedactIP("203.0.113.77:5555"); got != "203.0.113.0" {
		t.Errorf("RedactIP: got %s", got)
	}
	tok := "AbCdEfGhIjKlMnOpQrStUvWx.abc123.ZZZZ"
	got := RedactToken(tok)
	if strings.Contains(got, "IjKl") {
		t.Errorf("RedactToken leaked middle of token: %s", got)
	}
	if RedactToken("short") != "[TOKEN-REDACTED]" {
		t.Error("short token not fully redacted")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := SetRequestID(context.Background(), "req-1")
	if GetRequestID(ctx) != "req-1" {
		t.Error("request id not preserved")
	}
	if GetRequestID(context.Background()) == "" {
		t.Error("missing request id should generate one")
	}
}

func TestCtxLoggerCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	InitLogTo(&buf, "debug")
	defer InitLogTo(&bytes.Buffer{}, "disabled")

	Ctx(context.Background()).Info().Msg("plain")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request id: %s", buf.String())
	}
	buf.Reset()
	Ctx(SetRequestID(context.Background(), "req-7")).Info().Msg("scoped")
	if !strings.Contains(buf.String(), `"request_id":"req-7"`) || !strings.Contains(buf.String(), `"service":"echobin"`) {
		t.Errorf("missing fields: %s", buf.String())
	}
}

func TestRedactIPv6AndGarbage(t *testing.T) {
	if got := RedactIP("2001:db8:1:2::5"); got != "2001:db8::" {
		t.Errorf("RedactIP v6: got %s", got)
	}
	if got := RedactIP("::ffff:198.51.100.9"); got != "198.51.100.0" {
		t.Errorf("RedactIP mapped: got %s", got)
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP garbage: got %s", got)
	}
}
