package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// toStarlark converts a decoded JSON-like Go value into a frozen Starlark value.
func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		x.Freeze()
		return x, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case time.Time:
		return starlark.String(x.UTC().Format(time.RFC3339Nano)), nil
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, s := range x {
			elems[i] = starlark.String(s)
		}
		l := starlark.NewList(elems)
		l.Freeze()
		return l, nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		l := starlark.NewList(elems)
		l.Freeze()
		return l, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			sv, err := toStarlark(x[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		d.Freeze()
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported input type %T", v)
	}
}

// outputError reports a script result outside the accepted shapes.
type outputError struct{ msg string }

func (e *outputError) Error() string { return e.msg }

func badOutput(format string, args ...any) error {
	return &outputError{msg: fmt.Sprintf(format, args...)}
}

// coerceResult maps the value returned by run onto string, number,
// boolean or record.
func coerceResult(v starlark.Value) (any, error) {
	switch v.(type) {
	case starlark.String, starlark.Int, starlark.Float, starlark.Bool, *starlark.Dict, *starlarkstruct.Struct:
		return fromStarlark(v, 0)
	default:
		return nil, badOutput("run returned %s; want string, number, bool or record", v.Type())
	}
}

const maxDepth = 32

func fromStarlark(v starlark.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, badOutput("result nested deeper than %d levels", maxDepth)
	}
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return float64(x.Float()), nil
	case starlark.Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, badOutput("non-finite number %v", f)
		}
		return f, nil
	case *starlark.List:
		return fromIterable(x, x.Len(), depth)
	case starlark.Tuple:
		return fromIterable(x, x.Len(), depth)
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, badOutput("record key %s is not a string", item[0].Type())
			}
			ev, err := fromStarlark(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out[string(k)] = ev
		}
		return out, nil
	case *starlarkstruct.Struct:
		names := x.AttrNames()
		out := make(map[string]any, len(names))
		for _, n := range names {
			av, err := x.Attr(n)
			if err != nil {
				return nil, err
			}
			ev, err := fromStarlark(av, depth+1)
			if err != nil {
				return nil, err
			}
			out[n] = ev
		}
		return out, nil
	default:
		return nil, badOutput("unsupported value of type %s in result", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n, depth int) (any, error) {
	out := make([]any, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		ev, err := fromStarlark(elem, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
