package keyrotator

// Fingerprint derives a non-revealing credential id: the first four and
// last four characters of the raw key, joined by an ellipsis, so log lines
// and usage files never carry the credential itself.
func Fingerprint(rawKey string) string {
	if len(rawKey) < 8 {
		return "short-key"
	}
	return rawKey[:4] + "..." + rawKey[len(rawKey)-4:]
}
