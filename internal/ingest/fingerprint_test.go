package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	base := Fingerprint("reporter@example.com", []string{"abuse@isp.net", "noc@isp.net"}, "Phishing report", "line1\nline2")

	t.Run("格式为 sha256 前缀加十六进制", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(base, "sha256:"))
		assert.Len(t, base, len("sha256:")+64)
	})

	t.Run("传输差异不影响指纹", func(t *testing.T) {
		variants := []string{
			Fingerprint(" <Reporter@Example.com> ", []string{"noc@isp.net", "abuse@isp.net"}, "Phishing report", "line1\nline2"),
			Fingerprint("reporter@example.com", []string{"<ABUSE@isp.net>", "noc@isp.net", " "}, "  Phishing report\t", "line1\r\nline2"),
		}
		for _, v := range variants {
			assert.Equal(t, base, v)
		}
	})

	t.Run("内容不同指纹不同", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint("reporter@example.com", []string{"abuse@isp.net", "noc@isp.net"}, "Phishing report", "line1\nline3"))
		assert.NotEqual(t, base, Fingerprint("other@example.com", []string{"abuse@isp.net", "noc@isp.net"}, "Phishing report", "line1\nline2"))
	})

	t.Run("字段边界不可混淆", func(t *testing.T) {
		a := Fingerprint("a@x", nil, "ab", "c")
		b := Fingerprint("a@x", nil, "a", "bc")
		assert.NotEqual(t, a, b)
	})
}

func TestMessageID(t *testing.T) {
	tests := []struct {
		name string
		raw  RawMessage
		want string
	}{
		{
			name: "去除尖括号",
			raw:  RawMessage{SourceID: " <abc@mail.example> "},
			want: "abc@mail.example",
		},
		{
			name: "无 Message-ID 时使用指纹",
			raw:  RawMessage{Sender: "a@x", Subject: "s", Body: "b"},
			want: Fingerprint("a@x", nil, "s", "b"),
		},
		{
			name: "只有尖括号视为缺失",
			raw:  RawMessage{SourceID: "<>", Sender: "a@x"},
			want: Fingerprint("a@x", nil, "", ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MessageID(tt.raw))
		})
	}

	t.Run("超长 Message-ID 被哈希", func(t *testing.T) {
		id := MessageID(RawMessage{SourceID: strings.Repeat("x", 200) + "@example.com"})
		assert.True(t, strings.HasPrefix(id, "mid:"))
		assert.LessOrEqual(t, len(id), 128)
		assert.Equal(t, id, MessageID(RawMessage{SourceID: "<" + strings.Repeat("x", 200) + "@example.com>"}))
	})
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "abuse@example.com", NormalizeAddress("  <Abuse@Example.COM> "))
	assert.Equal(t, "", NormalizeAddress("   "))
}
