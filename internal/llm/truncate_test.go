package llm

import (
	"strings"
	"testing"
)

func TestTruncateIdentityWhenShort(t *testing.T) {
	s := "短文本 short"
	if got := Truncate(s, 100); got != s {
		t.Errorf("Truncate = %q, want identity", got)
	}
	// Idempotent for a generous limit.
	if got := Truncate(Truncate(s, 100), 100); got != s {
		t.Error("Truncate must be idempotent when the string fits")
	}
}

func TestTruncateCutsAtRuneBoundary(t *testing.T) {
	s := strings.Repeat("中", 50)
	got := Truncate(s, 10)
	if !strings.HasPrefix(got, strings.Repeat("中", 10)) {
		t.Errorf("prefix mangled: %q", got)
	}
	if !strings.Contains(got, "原始 50 字符") {
		t.Errorf("missing original length marker: %q", got)
	}
	// Exactly max runes plus the suffix.
	suffix := got[len(strings.Repeat("中", 10)):]
	if !strings.HasPrefix(suffix, "\n...(内容已截断") {
		t.Errorf("unexpected suffix: %q", suffix)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("abc", 5); got != "abc" {
		t.Errorf("preview short = %q", got)
	}
	if got := preview("abcdefgh", 5); got != "abcde..." {
		t.Errorf("preview long = %q", got)
	}
}

func TestExtractText(t *testing.T) {
	resp := textResponse("你好")
	if got := ExtractText(resp.Message); got != "你好" {
		t.Errorf("ExtractText = %q", got)
	}
}
