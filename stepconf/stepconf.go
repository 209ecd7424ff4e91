// Package stepconf fills configuration structs from environment variables described by `env` struct tags.
//
//	type Config struct {
//		PageURL  string        `env:"page_url,required"`
//		File     string        `env:"file,file"`
//		Mode     string        `env:"mode,opt[fast,safe]"`
//		Token    Secret        `env:"token"`
//		Interval time.Duration `env:"poll_interval"`
//	}
package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

// Secret is a string value that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// EnvGetter provides the value of environment variables.
type EnvGetter interface {
	Get(key string) string
}

// ErrNotStructPtr is returned when the config is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ParseError collects the invalid fields of a config.
type ParseError struct {
	Errors []error
}

func (e *ParseError) Error() string {
	messages := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		messages = append(messages, "- "+err.Error())
	}
	return "failed to parse config:\n" + strings.Join(messages, "\n")
}

// Parse fills conf from the process environment.
func Parse(conf interface{}) error {
	return parse(conf, env.NewRepository())
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr || c.IsNil() {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []error
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return &ParseError{Errors: errs}
	}

	return nil
}

func parseTag(tag string) (string, string) {
	if i := strings.Index(tag, ","); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validate(value, constraint); err != nil {
		return err
	}
	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		v := reflect.New(field.Type().Elem())
		if err := setValue(v.Elem(), value); err != nil {
			return err
		}
		field.Set(v)
		return nil
	}

	return setValue(field, value)
}

func setValue(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to uint")
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return fmt.Errorf("unsupported type: %s", field.Type())
	}

	return nil
}

// parseDuration accepts Go durations ("3s", "250ms") and plain milliseconds.
func parseDuration(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.New("can't convert to duration")
	}
	return d, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validate(value, constraint string) error {
	switch {
	case constraint == "":
		return nil
	case constraint == "required":
		if value == "" {
			return errors.New("required variable is not present")
		}
	case constraint == "file", constraint == "dir":
		info, err := os.Stat(value)
		if err != nil {
			return fmt.Errorf("can't access path: %w", err)
		}
		if constraint == "file" && info.IsDir() {
			return errors.New("path is a directory")
		}
		if constraint == "dir" && !info.IsDir() {
			return errors.New("path is not a directory")
		}
	case strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]"):
		options := parseOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]"))
		for _, o := range options {
			if o == value {
				return nil
			}
		}
		return fmt.Errorf("value is not in value options (%s)", strings.Join(options, ", "))
	default:
		return fmt.Errorf("invalid constraint: %s", constraint)
	}
	return nil
}

// parseOptions splits a comma separated option list. Single quotes group options containing commas.
func parseOptions(s string) []string {
	var options []string
	var current strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(options, current.String())
}
