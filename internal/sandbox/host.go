package sandbox

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"dashwall/internal/capability"
)

// hostFuncs is every host function the runtime knows how to provide, keyed
// by capability name. Only names the filter exposes are bound.
var hostFuncs = map[string]starlark.Value{
	"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),

	"json.encode": starjson.Module.Members["encode"],
	"json.decode": starjson.Module.Members["decode"],
	"json.indent": starjson.Module.Members["indent"],

	"base64.encode":         stringCodec("base64.encode", func(s string) (string, error) { return base64.StdEncoding.EncodeToString([]byte(s)), nil }),
	"base64.decode":         stringCodec("base64.decode", decodeWith(base64.StdEncoding.DecodeString)),
	"base64.urlsafe_encode": stringCodec("base64.urlsafe_encode", func(s string) (string, error) { return base64.RawURLEncoding.EncodeToString([]byte(s)), nil }),
	"base64.urlsafe_decode": stringCodec("base64.urlsafe_decode", decodeWith(base64.RawURLEncoding.DecodeString)),
	"hex.encode":            stringCodec("hex.encode", func(s string) (string, error) { return hex.EncodeToString([]byte(s)), nil }),
	"hex.decode":            stringCodec("hex.decode", decodeWith(hex.DecodeString)),
	"hash.sha256": stringCodec("hash.sha256", func(s string) (string, error) {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	}),

	"math.sqrt":  starmath.Module.Members["sqrt"],
	"math.pow":   starmath.Module.Members["pow"],
	"math.floor": starmath.Module.Members["floor"],
	"math.ceil":  starmath.Module.Members["ceil"],
	"math.round": starmath.Module.Members["round"],
	"math.log":   starmath.Module.Members["log"],

	"time.now":    starlark.NewBuiltin("time.now", timeNow),
	"time.format": starlark.NewBuiltin("time.format", timeFormat),
	"time.parse":  starlark.NewBuiltin("time.parse", timeParse),

	"text.pad_left":  starlark.NewBuiltin("text.pad_left", textPadLeft),
	"text.truncate":  starlark.NewBuiltin("text.truncate", textTruncate),
	"text.thousands": starlark.NewBuiltin("text.thousands", textThousands),
}

// hostSurface builds the predeclared environment for the filter: top-level
// names bind directly, dotted names are grouped into modules holding only
// their exposed members.
func hostSurface(f *capability.Filter) starlark.StringDict {
	env := starlark.StringDict{}
	modules := map[string]starlark.StringDict{}
	for name, fn := range hostFuncs {
		if fn == nil || !f.IsExposed(name) {
			continue
		}
		mod, member, dotted := strings.Cut(name, ".")
		if !dotted {
			env[name] = fn
			continue
		}
		if modules[mod] == nil {
			modules[mod] = starlark.StringDict{}
		}
		modules[mod][member] = fn
	}
	for name, members := range modules {
		m := &starlarkstruct.Module{Name: name, Members: members}
		m.Freeze()
		env[name] = m
	}
	return env
}

func stringCodec(name string, fn func(string) (string, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		out, err := fn(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		return starlark.String(out), nil
	})
}

func decodeWith(dec func(string) ([]byte, error)) func(string) (string, error) {
	return func(s string) (string, error) {
		b, err := dec(s)
		return string(b), err
	}
}

func timeNow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.Float(float64(time.Now().UnixNano()) / 1e9), nil
}

// timeFormat(seconds, layout=RFC3339, offset_minutes=0)
func timeFormat(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		secs   starlark.Value
		layout = time.RFC3339
		offset int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seconds", &secs, "layout?", &layout, "offset_minutes?", &offset); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(secs)
	if !ok {
		return nil, fmt.Errorf("%s: seconds must be a number, got %s", b.Name(), secs.Type())
	}
	t := time.Unix(0, int64(f*1e9)).In(time.FixedZone("", offset*60))
	return starlark.String(t.Format(layout)), nil
}

// timeParse(value, layout=RFC3339) returns Unix seconds.
func timeParse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value, layout string
	layout = time.RFC3339
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "layout?", &layout); err != nil {
		return nil, err
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return starlark.Float(float64(t.UnixNano()) / 1e9), nil
}

func textPadLeft(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		s     string
		width int
		fill  = " "
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s, "width", &width, "fill?", &fill); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(fill) != 1 {
		return nil, fmt.Errorf("%s: fill must be a single character", b.Name())
	}
	if width > 4096 {
		return nil, fmt.Errorf("%s: width %d exceeds 4096", b.Name(), width)
	}
	n := width - utf8.RuneCountInString(s)
	if n <= 0 {
		return starlark.String(s), nil
	}
	return starlark.String(strings.Repeat(fill, n) + s), nil
}

func textTruncate(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		s string
		n int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s, "n", &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%s: negative length", b.Name())
	}
	runes := []rune(s)
	if len(runes) <= n {
		return starlark.String(s), nil
	}
	if n == 0 {
		return starlark.String(""), nil
	}
	return starlark.String(string(runes[:n-1]) + "…"), nil
}

func textThousands(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		v   starlark.Value
		sep = ","
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "n", &v, "sep?", &sep); err != nil {
		return nil, err
	}
	var digits string
	switch x := v.(type) {
	case starlark.Int:
		digits = x.String()
	case starlark.Float:
		digits = strconv.FormatFloat(float64(x), 'f', -1, 64)
	default:
		return nil, fmt.Errorf("%s: want int or float, got %s", b.Name(), v.Type())
	}
	return starlark.String(groupThousands(digits, sep)), nil
}

func groupThousands(s, sep string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteString(sep)
		}
		b.WriteRune(r)
	}
	out := sign + b.String()
	if hasFrac {
		out += "." + frac
	}
	return out
}
