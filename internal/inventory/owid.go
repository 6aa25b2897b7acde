package inventory

import "regexp"

// reDeviceID matches the canonical 1-Wire device ID form anywhere in a
// string: two hex family digits, a dot, twelve hex suffix digits.
// Grounded in the source's owidutil.py RE_DEV_ID.
var reDeviceID = regexp.MustCompile(`[0-9A-Fa-f]{2}\.[0-9A-Fa-f]{12}`)

// reDevChannel matches "<id>.<channel>" targets used by action configs.
var reDevChannel = regexp.MustCompile(`^([0-9A-Fa-f]{2}\.[0-9A-Fa-f]{12})\.([0-9A-Za-z]+)$`)

// reAliasChannel matches "<alias>.<channel>" targets.
var reAliasChannel = regexp.MustCompile(`^([A-Za-z0-9\-_]+)\.([0-9A-Za-z]+)$`)

// IDFromPath extracts the canonical device ID from anywhere in s, or ""
// if none is present. Idempotent: IDFromPath(IDFromPath(x)) == IDFromPath(x).
func IDFromPath(s string) string {
	m := reDeviceID.FindString(s)
	if m == "" {
		return ""
	}
	return normalizeID(m)
}

// IsOwID reports whether s is exactly a canonical device ID.
func IsOwID(s string) bool {
	m := reDeviceID.FindString(s)
	return m == s
}

// FamilyCode returns the two-hex-digit family prefix of a canonical ID.
func FamilyCode(id string) string {
	if len(id) < 2 {
		return ""
	}
	return id[0:2]
}

// ParseTarget splits a "<dev-id|alias>.<channel>" target string into its
// device reference and channel name (channel name is "" if none was
// given). Grounded in owidutil.py parse_target's cascading regex attempts.
func ParseTarget(tgt string) (devRef string, channel string, ok bool) {
	if m := reDevChannel.FindStringSubmatch(tgt); m != nil {
		return normalizeID(m[1]), m[2], true
	}
	if m := reAliasChannel.FindStringSubmatch(tgt); m != nil {
		return m[1], m[2], true
	}
	if IsOwID(tgt) {
		return normalizeID(tgt), "", true
	}
	if tgt != "" {
		return tgt, "", true
	}
	return "", "", false
}

func normalizeID(id string) string {
	b := []byte(id)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
