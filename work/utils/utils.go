package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// LogURL returns the URL as-is, or an obfuscated version when obfuscation
// is requested. Stream manifest URLs carry session tokens, so anything
// written to the log goes through here.
func LogURL(obfuscate bool, raw string) string {
	if obfuscate {
		return ObfuscateURL(raw)
	}
	return raw
}

// ObfuscateURL masks the path, query, and fragment of a URL while keeping
// scheme and host visible for debugging.
//
// Example:
//
//	Input:  "https://cdn.example.com/hls/master.m3u8?token=abc"
//	Output: "https://cdn.example.com/***?***"
func ObfuscateURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// ChannelSlug converts a display name into a URL-safe channel identifier
// used in /stream/{channel} paths. Unsafe characters collapse to single
// underscores.
func ChannelSlug(name string) string {
	slug := name
	replacements := map[string]string{
		" ":  "_",
		",":  "_",
		"\"": "",
		"'":  "",
		"/":  "_",
		"\\": "_",
		"?":  "_",
		"&":  "_",
		"=":  "_",
		":":  "_",
		";":  "_",
		"|":  "_",
		"*":  "_",
		"<":  "_",
		">":  "_",
		"@":  "_",
		"(":  "",
		")":  "",
	}

	for old, repl := range replacements {
		slug = strings.ReplaceAll(slug, old, repl)
	}

	// collapse consecutive underscores
	for strings.Contains(slug, "__") {
		slug = strings.ReplaceAll(slug, "__", "_")
	}

	return strings.Trim(slug, "_")
}

// FormatBytes renders a byte count in a human readable unit for startup
// and status logging.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
