// Package env contains a function to load configuration from environment.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Unmarshaler can be implemented to override the unmarshaling process.
type Unmarshaler interface {
	UnmarshalEnv(prefix string, v string) error
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		return true, nil

	case "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid value '%s'", v)
}

func setScalar(rv reflect.Value, ev string) error {
	switch rv.Kind() {
	case reflect.String:
		rv.SetString(ev)

	case reflect.Int, reflect.Int64:
		iv, err := strconv.ParseInt(ev, 10, 64)
		if err != nil {
			return err
		}
		rv.SetInt(iv)

	case reflect.Uint, reflect.Uint64:
		iv, err := strconv.ParseUint(ev, 10, 64)
		if err != nil {
			return err
		}
		rv.SetUint(iv)

	case reflect.Float32, reflect.Float64:
		fv, err := strconv.ParseFloat(ev, 64)
		if err != nil {
			return err
		}
		rv.SetFloat(fv)

	case reflect.Bool:
		bv, err := parseBool(ev)
		if err != nil {
			return err
		}
		rv.SetBool(bv)

	case reflect.Slice:
		if rv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported type: %v", rv.Type())
		}
		if ev == "" {
			rv.Set(reflect.MakeSlice(rv.Type(), 0, 0))
		} else {
			rv.Set(reflect.ValueOf(strings.Split(ev, ",")).Convert(rv.Type()))
		}

	default:
		return fmt.Errorf("unsupported type: %v", rv.Type())
	}

	return nil
}

func load(env map[string]string, prefix string, rv reflect.Value) error {
	if rv.CanAddr() {
		if u, ok := rv.Addr().Interface().(Unmarshaler); ok {
			if ev, ok := env[prefix]; ok {
				err := u.UnmarshalEnv(prefix, ev)
				if err != nil {
					return fmt.Errorf("%s: %w", prefix, err)
				}
			}
			return nil
		}
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if _, ok := env[prefix]; !ok {
			return nil
		}
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return load(env, prefix, rv.Elem())

	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}

			key := strings.Split(f.Tag.Get("json"), ",")[0]
			if key == "" || key == "-" {
				continue
			}

			err := load(env, prefix+"_"+strings.ToUpper(key), rv.Field(i))
			if err != nil {
				return err
			}
		}
		return nil
	}

	ev, ok := env[prefix]
	if !ok {
		return nil
	}

	err := setScalar(rv, ev)
	if err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	return nil
}

func loadWithEnv(env map[string]string, prefix string, v any) error {
	return load(env, prefix, reflect.ValueOf(v).Elem())
}

func envToMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// Load loads the configuration from the environment.
// Each exported field is read from PREFIX_JSONKEY in uppercase.
func Load(prefix string, v any) error {
	return loadWithEnv(envToMap(), prefix, v)
}
