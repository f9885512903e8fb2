package common

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ObjectRef is how a remote object is referenced on the wire.
type ObjectRef struct {
	GUID string `json:"guid"`
	Type string `json:"type,omitempty"`
}

// encodeParams serializes the params of a call. Objects found anywhere in
// params are replaced by references; other values are left to encoding/json.
func (c *Connection) encodeParams(params any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	v, err := c.toWire(params)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	if len(buf) == 0 || buf[0] != '{' {
		return nil, fmt.Errorf("params must encode to a JSON object, got %.32s", buf)
	}
	return buf, nil
}

// maxParamsDepth bounds the walk over params so that cyclic values fail
// instead of recursing forever.
const maxParamsDepth = 1000

var (
	objectType        = reflect.TypeOf((*Object)(nil)).Elem()
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// toWire returns v with every Object it holds replaced by its reference.
// Maps, slices, arrays, pointers and structs are walked whatever their
// static type; structs become maps keyed by their JSON field names.
func (c *Connection) toWire(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return c.walk(reflect.ValueOf(v), 0)
}

func (c *Connection) walk(rv reflect.Value, depth int) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if depth > maxParamsDepth {
		return nil, errors.New("params are nested too deeply")
	}
	t := rv.Type()

	if t.Implements(objectType) {
		if isNil(rv) {
			return nil, nil
		}
		return c.ref(rv.Interface().(Object)) //nolint:forcetypeassert
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return c.walk(rv.Elem(), depth+1)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) {
			return rv.Interface(), nil
		}
		return c.walk(rv.Elem(), depth+1)
	}

	// Values with their own encoding are sent as they encode themselves.
	if t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) {
		return rv.Interface(), nil
	}

	switch rv.Kind() {
	case reflect.Map:
		return c.walkMap(rv, depth)
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), nil
		}
		return c.walkList(rv, depth)
	case reflect.Array:
		return c.walkList(rv, depth)
	case reflect.Struct:
		out := make(map[string]any)
		if err := c.walkStruct(rv, out, depth); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return rv.Interface(), nil
	}
}

func (c *Connection) ref(v Object) (any, error) {
	o := v.Owner()
	if o == nil {
		return nil, errors.New("referencing an object without an owner")
	}
	if o.conn != c {
		return nil, fmt.Errorf("%s belongs to another connection", o)
	}
	if o.Disposed() {
		return nil, o.disposedError()
	}
	return ObjectRef{GUID: o.guid, Type: o.typ}, nil
}

func (c *Connection) walkMap(rv reflect.Value, depth int) (any, error) {
	if rv.IsNil() {
		return nil, nil
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := mapKey(iter.Key())
		if err != nil {
			return nil, err
		}
		w, err := c.walk(iter.Value(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = w
	}
	return out, nil
}

func (c *Connection) walkList(rv reflect.Value, depth int) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		w, err := c.walk(rv.Index(i), depth+1)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = w
	}
	return out, nil
}

// walkStruct adds the fields of rv to out the way encoding/json names
// them: the json tag name, "-" and omitempty are honoured and the fields
// of untagged exported embedded structs are promoted unless out already
// has them.
func (c *Connection) walkStruct(rv reflect.Value, out map[string]any, depth int) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" && f.IsExported() {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && !ft.Implements(objectType) && !reflect.PointerTo(ft).Implements(objectType) {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				embedded := make(map[string]any)
				if err := c.walkStruct(fv, embedded, depth+1); err != nil {
					return err
				}
				for k, v := range embedded {
					if _, ok := out[k]; !ok {
						out[k] = v
					}
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(","+opts+",", ",omitempty,") && isEmptyValue(fv) {
			continue
		}
		w, err := c.walk(fv, depth+1)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		out[name] = w
	}
	return nil
}

func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.Type().Implements(textMarshalerType) {
		buf, err := k.Interface().(encoding.TextMarshaler).MarshalText() //nolint:forcetypeassert
		return string(buf), err
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	default:
		return "", fmt.Errorf("unsupported map key type %s", k.Type())
	}
}

func isNil(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

// isEmptyValue reports whether encoding/json omits v under omitempty.
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	default:
		return false
	}
}

// decodeParams decodes the params or result of an inbound message, with
// references to live objects replaced by the objects.
func (c *Connection) decodeParams(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	for k, v := range m {
		m[k] = c.fromWire(v)
	}
	return m, nil
}

func (c *Connection) fromWire(v any) any {
	switch v := v.(type) {
	case map[string]any:
		if o, ok := c.lookupRef(v); ok {
			return o
		}
		for k, e := range v {
			v[k] = c.fromWire(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = c.fromWire(e)
		}
		return v
	default:
		return v
	}
}

// lookupRef resolves m if it is a reference, {"guid": ...} optionally with
// a "type", to a live object.
func (c *Connection) lookupRef(m map[string]any) (Object, bool) {
	guid, ok := m["guid"].(string)
	if !ok {
		return nil, false
	}
	switch len(m) {
	case 1:
	case 2:
		if _, ok := m["type"].(string); !ok {
			return nil, false
		}
	default:
		return nil, false
	}
	c.mu.RLock()
	o, ok := c.objects[guid]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return o.object, true
}
