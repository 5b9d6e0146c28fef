package capability

var defaultEntries = []Entry{
	{Name: "print", Doc: "write a debug line to the host log", Since: "2026.01"},
	{Name: "struct", Doc: "build an immutable record value", Since: "2026.01"},

	{Name: "json.encode", Doc: "encode a value as compact JSON", Since: "2026.01"},
	{Name: "json.decode", Doc: "decode a JSON string", Since: "2026.01"},
	{Name: "json.indent", Doc: "re-indent a JSON string", Since: "2026.01"},

	{Name: "base64.encode", Doc: "standard base64 encoding of a string", Since: "2026.01"},
	{Name: "base64.decode", Doc: "decode standard base64", Since: "2026.01"},
	{Name: "base64.urlsafe_encode", Doc: "URL-safe base64 without padding", Since: "2026.04"},
	{Name: "base64.urlsafe_decode", Doc: "decode URL-safe base64 without padding", Since: "2026.04"},
	{Name: "hex.encode", Doc: "lower-case hex encoding of a string", Since: "2026.01"},
	{Name: "hex.decode", Doc: "decode a hex string", Since: "2026.01"},
	{Name: "hash.sha256", Doc: "hex SHA-256 digest of a string", Since: "2026.04"},

	{Name: "math.sqrt", Doc: "square root", Since: "2026.01"},
	{Name: "math.pow", Doc: "x raised to y", Since: "2026.01"},
	{Name: "math.floor", Doc: "round toward negative infinity", Since: "2026.01"},
	{Name: "math.ceil", Doc: "round toward positive infinity", Since: "2026.01"},
	{Name: "math.round", Doc: "round half away from zero to n digits", Since: "2026.01"},
	{Name: "math.log", Doc: "natural logarithm", Since: "2026.01"},

	{Name: "time.now", Doc: "current Unix time in seconds (float)", Since: "2026.01"},
	{Name: "time.format", Doc: "format Unix seconds with a Go layout in UTC or a named zone", Since: "2026.01"},
	{Name: "time.parse", Doc: "parse a timestamp with a Go layout into Unix seconds", Since: "2026.01"},

	{Name: "text.pad_left", Doc: "left-pad a string to a width", Since: "2026.04"},
	{Name: "text.truncate", Doc: "truncate a string to n runes with an ellipsis", Since: "2026.04"},
	{Name: "text.thousands", Doc: "format a number with thousands separators", Since: "2026.10"},
}
