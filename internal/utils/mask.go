package utils

// MaskSecret keeps enough of a token to tell two apart in logs.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "*****"
	}
	return s[:4] + "*****"
}
