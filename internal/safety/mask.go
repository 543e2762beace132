package safety

// MaskAPIKey hides all but the first and last three characters of key.
// Keys of eight characters or fewer are hidden completely.
func MaskAPIKey(key string) string {
	r := []rune(key)
	if len(r) <= 8 {
		return "••••••••"
	}
	return string(r[:3]) + "•••" + string(r[len(r)-3:])
}

// RedactArgs returns a copy of tool arguments safe for logs and audit
// events, with API keys masked.
func RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if tokens := stringList(args["tokens"]); len(tokens) > 0 {
		masked := make([]string, len(tokens))
		for i, t := range tokens {
			masked[i] = MaskAPIKey(t)
		}
		out["tokens"] = masked
	}
	return out
}
