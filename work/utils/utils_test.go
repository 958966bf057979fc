package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelSlug(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaces", "nhl-2023020123 HOME", "nhl-2023020123_HOME"},
		{"punctuation", "Red Wings @ Bruins (HOME)", "Red_Wings_Bruins_HOME"},
		{"collapses runs", "a  &  b", "a_b"},
		{"trims edges", " edge ", "edge"},
		{"quotes dropped", `Bob's "Game"`, "Bobs_Game"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChannelSlug(tt.in))
		})
	}
}

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t,
		"https://cdn.example.com/***?***",
		ObfuscateURL("https://cdn.example.com/hls/master.m3u8?token=secret"))

	assert.Equal(t, "https://cdn.example.com", ObfuscateURL("https://cdn.example.com"))
	assert.Equal(t, "", ObfuscateURL(""))
}

func TestLogURL(t *testing.T) {
	raw := "https://cdn.example.com/x.m3u8?t=1"
	assert.Equal(t, raw, LogURL(false, raw))
	assert.NotContains(t, LogURL(true, raw), "t=1")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(3*512*1024))
}
