package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "CONFIG_FILE"

var durationType = reflect.TypeOf(time.Duration(0))

// LoadConfig fills target from the YAML file named by CONFIG_FILE (when set) and then
// applies environment overrides. Keys come from `env` tags or, for untagged fields,
// from the upper-cased field path joined with underscores.
func LoadConfig(target any) error {
	return LoadConfigWithLookup(target, os.LookupEnv)
}

// LoadConfigWithLookup is LoadConfig with an injectable environment source.
func LoadConfigWithLookup(target any, lookup func(string) (string, bool)) error {
	if target == nil {
		return errors.New("config: target is nil")
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return errors.New("config: target must be pointer to struct")
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if path, ok := lookup(FileEnv); ok && strings.TrimSpace(path) != "" {
		if err := loadFile(path, target); err != nil {
			return err
		}
	}
	return applyEnv(val.Elem(), "", lookup)
}

func loadFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		meta := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if meta.Anonymous {
			if err := applyEnv(field, prefix, lookup); err != nil {
				return err
			}
			continue
		}

		tag := meta.Tag.Get("env")
		if tag == "-" {
			continue
		}
		key := envKey(prefix, meta.Name)
		if tag != "" {
			key = envKey("", tag)
		}

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := applyEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setValue(field, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
	}
	return nil
}

func envKey(prefix, name string) string {
	name = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func setValue(field reflect.Value, value string) error {
	if field.Type() == durationType {
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
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(parsed)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		parsed, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(parsed)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		parsed, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(parsed)
	case reflect.Float32, reflect.Float64:
		parsed, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(parsed)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p))
			}
		}
		field.Set(out)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// parseDuration accepts Go duration syntax or a bare integer number of seconds.
func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}
