// Package fingerprint derives a stable, non-reversible device identifier
// from connection metadata and flags suspicious-looking clients. It has no
// store access; both operations are pure functions over the supplied context.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ClientContext carries the client signals available to a single request.
// Every field is optional; absent signals are simply omitted from the hash.
type ClientContext struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string
	ScreenHint     string
	TimezoneHint   string
	RemoteAddr     string
}

// Flag marks one suspicion heuristic. Flags are advisory only and must never
// be used as a hard authorization gate.
type Flag string

const (
	FlagHeadlessBrowser  Flag = "headless_browser"
	FlagAutomationTool   Flag = "automation_tool"
	FlagPlatformMismatch Flag = "platform_mismatch"
	FlagMissingHeaders   Flag = "missing_headers"
)

// Derive computes a deterministic hash over the available client signals.
// The remote address is intentionally excluded so that mobile clients roaming
// between networks keep a stable fingerprint.
func Derive(cc ClientContext) string {
	h := sha256.New()
	for _, signal := range []struct {
		label string
		value string
	}{
		{"ua", cc.UserAgent},
		{"lang", cc.AcceptLanguage},
		{"platform", cc.Platform},
		{"screen", cc.ScreenHint},
		{"tz", cc.TimezoneHint},
	} {
		v := strings.TrimSpace(signal.value)
		if v == "" {
			continue
		}
		h.Write([]byte(signal.label))
		h.Write([]byte{':'})
		h.Write([]byte(strings.ToLower(v)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var headlessSignatures = []string{
	"headlesschrome",
	"phantomjs",
	"slimerjs",
}

var automationSignatures = []string{
	"selenium",
	"webdriver",
	"puppeteer",
	"playwright",
	"python-requests",
	"curl/",
	"wget/",
}

// DetectSuspicious returns heuristic flags for the supplied client context.
func DetectSuspicious(cc ClientContext) []Flag {
	var flags []Flag
	ua := strings.ToLower(strings.TrimSpace(cc.UserAgent))

	if ua == "" || strings.TrimSpace(cc.AcceptLanguage) == "" {
		flags = append(flags, FlagMissingHeaders)
	}
	for _, sig := range headlessSignatures {
		if strings.Contains(ua, sig) {
			flags = append(flags, FlagHeadlessBrowser)
			break
		}
	}
	for _, sig := range automationSignatures {
		if strings.Contains(ua, sig) {
			flags = append(flags, FlagAutomationTool)
			break
		}
	}
	if mismatchedPlatform(ua, strings.ToLower(strings.TrimSpace(cc.Platform))) {
		flags = append(flags, FlagPlatformMismatch)
	}
	return flags
}

// mismatchedPlatform reports an OS hint that contradicts the user agent,
// e.g. a platform header claiming Windows while the UA says iPhone.
func mismatchedPlatform(ua, platform string) bool {
	if ua == "" || platform == "" {
		return false
	}
	platform = strings.Trim(platform, `"`)
	checks := map[string][]string{
		"windows": {"windows"},
		"macos":   {"macintosh", "mac os"},
		"linux":   {"linux", "android", "x11"},
		"android": {"android"},
		"ios":     {"iphone", "ipad", "ios"},
	}
	markers, ok := checks[platform]
	if !ok {
		return false
	}
	for _, marker := range markers {
		if strings.Contains(ua, marker) {
			return false
		}
	}
	return true
}
