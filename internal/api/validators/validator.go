package validators

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is the complete list of problems found in one payload.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + " " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Prefix nests every field name under prefix, e.g. "users[2]".
func (e Errors) Prefix(prefix string) Errors {
	out := make(Errors, len(e))
	for i, fe := range e {
		out[i] = FieldError{Field: prefix + "." + fe.Field, Message: fe.Message}
	}
	return out
}

func (e Errors) sort() {
	sort.SliceStable(e, func(i, j int) bool {
		if e[i].Field != e[j].Field {
			return e[i].Field < e[j].Field
		}
		return e[i].Message < e[j].Message
	})
}

// Validator decodes and validates request input.
type Validator struct {
	validate *validator.Validate
}

var (
	once   sync.Once
	shared *Validator
)

// New returns the process-wide validator. validator.Validate caches struct
// metadata and is safe for concurrent use.
func New() *Validator {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(fieldName)
		_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
			return usernamePattern.MatchString(fl.Field().String())
		})
		// maxbytes bounds the encoded length, e.g. bcrypt's 72 byte input limit.
		_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
			n, err := strconv.Atoi(fl.Param())
			return err == nil && len(fl.Field().String()) <= n
		})
		v.RegisterCustomTypeFunc(optionalValue, Optional[int]{}, Optional[string]{})
		shared = &Validator{validate: v}
	})
	return shared
}

type decodeConfig struct {
	allowUnknown bool
}

// DecodeOption adjusts DecodeJSON.
type DecodeOption func(*decodeConfig)

// AllowUnknown ignores keys the destination does not declare instead of
// rejecting them.
func AllowUnknown() DecodeOption {
	return func(c *decodeConfig) { c.allowUnknown = true }
}

// Struct runs the validate tags of s and reports every failure.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fieldPath(fe), Message: message(fe)})
	}
	out.sort()
	return out
}

// DecodeJSON decodes a JSON object into dst, a pointer to a struct, then
// validates it. An empty body decodes as {}. Every problem is collected.
func (v *Validator) DecodeJSON(body []byte, dst any, opts ...DecodeOption) error {
	var cfg decodeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("validators: destination must be a non-nil pointer to a struct, got %T", dst)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if body[0] != '{' {
		return Errors{{Field: "body", Message: "must be a JSON object"}}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Errors{{Field: "body", Message: "is not valid JSON"}}
	}

	fields := jsonFields(rv.Elem().Type())
	var errs Errors
	failed := map[string]bool{}
	for key, msg := range raw {
		idx, ok := fields[key]
		if !ok {
			if !cfg.allowUnknown {
				errs = append(errs, FieldError{Field: key, Message: "is not allowed"})
			}
			continue
		}
		fv := rv.Elem().FieldByIndex(idx)
		if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) && !acceptsNull(fv) {
			errs = append(errs, FieldError{Field: key, Message: "must not be null"})
			failed[key] = true
			continue
		}
		if err := json.Unmarshal(msg, fv.Addr().Interface()); err != nil {
			errs = append(errs, FieldError{Field: key, Message: "must be " + typeName(fv.Type())})
			failed[key] = true
		}
	}

	return v.finish(dst, errs, failed)
}

// DecodeQuery coerces query parameters into the `query` tagged fields of dst,
// applying `default` tags for absent or empty parameters, then validates.
func (v *Validator) DecodeQuery(values url.Values, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("validators: destination must be a non-nil pointer to a struct, got %T", dst)
	}
	elem := rv.Elem()
	t := elem.Type()

	var errs Errors
	failed := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name := sf.Tag.Get("query")
		if name == "" || name == "-" {
			continue
		}
		raw := values.Get(name)
		if raw == "" {
			def, ok := sf.Tag.Lookup("default")
			if !ok {
				continue
			}
			raw = def
		}
		if err := setString(elem.Field(i), raw); err != nil {
			errs = append(errs, FieldError{Field: name, Message: "must be " + typeName(sf.Type)})
			failed[name] = true
		}
	}

	return v.finish(dst, errs, failed)
}

// finish merges struct validation into decode errors, skipping fields that
// already failed to decode.
func (v *Validator) finish(dst any, errs Errors, failed map[string]bool) error {
	if err := v.Struct(dst); err != nil {
		var verrs Errors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			if !failed[rootField(fe.Field)] {
				errs = append(errs, fe)
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	errs.sort()
	return errs
}

func fieldName(fld reflect.StructField) string {
	for _, tag := range []string{"json", "query"} {
		name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return fld.Name
}

func jsonFields(t reflect.Type) map[string][]int {
	out := make(map[string][]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := strings.SplitN(sf.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			continue
		case "":
			name = sf.Name
		}
		out[name] = sf.Index
	}
	return out
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func rootField(path string) string {
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}

func acceptsNull(fv reflect.Value) bool {
	_, ok := fv.Addr().Interface().(nullable)
	return ok
}

func message(fe validator.FieldError) string {
	p := fe.Param()
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "username":
		return "must contain only letters, numbers and underscores"
	case "maxbytes":
		return "must be at most " + p + " bytes"
	case "oneof":
		return "must be one of: " + strings.Join(strings.Fields(p), ", ")
	case "min":
		switch fe.Kind() {
		case reflect.String:
			return fmt.Sprintf("must be at least %s characters", p)
		case reflect.Slice, reflect.Array, reflect.Map:
			return fmt.Sprintf("must contain at least %s items", p)
		}
		return "must be >= " + p
	case "max":
		switch fe.Kind() {
		case reflect.String:
			return fmt.Sprintf("must be at most %s characters", p)
		case reflect.Slice, reflect.Array, reflect.Map:
			return fmt.Sprintf("must contain at most %s items", p)
		}
		return "must be <= " + p
	case "gte":
		return "must be >= " + p
	case "lte":
		return "must be <= " + p
	case "gt":
		return "must be > " + p
	case "lt":
		return "must be < " + p
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if w, ok := reflect.New(t).Interface().(wrapped); ok {
		return typeName(w.elemType())
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Bool:
		return "a boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "an integer"
	case reflect.Float32, reflect.Float64:
		return "a number"
	case reflect.Slice, reflect.Array:
		return "an array"
	}
	return "an object"
}

func setString(fv reflect.Value, raw string) error {
	if fv.Kind() == reflect.Pointer {
		ptr := reflect.New(fv.Type().Elem())
		if err := setString(ptr.Elem(), raw); err != nil {
			return err
		}
		fv.Set(ptr)
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	default:
		return fmt.Errorf("unsupported query field kind %s", fv.Kind())
	}
	return nil
}
