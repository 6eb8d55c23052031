package config

import (
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/gate-fs/gate/internal/bytesize"
)

// durationDecodeHook decodes a bare integer config value (milliseconds, per
// every *_ms field in this package) into a time.Duration. Viper/mapstructure
// has no notion of "this int is actually milliseconds" on its own.
func durationDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float()) * time.Millisecond, nil
	case reflect.String:
		ms, err := strconv.ParseInt(data.(string), 10, 64)
		if err != nil {
			return data, nil
		}
		return time.Duration(ms) * time.Millisecond, nil
	default:
		return data, nil
	}
}

var _ mapstructure.DecodeHookFuncType = durationDecodeHook

// byteSizeDecodeHook decodes a human-readable size string ("64Mi", "1Gi")
// or a bare integer byte count into a bytesize.ByteSize.
func byteSizeDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(bytesize.ByteSize(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return bytesize.ParseByteSize(data.(string))
	case reflect.Int, reflect.Int32, reflect.Int64:
		return bytesize.ByteSize(reflect.ValueOf(data).Int()), nil
	case reflect.Float32, reflect.Float64:
		return bytesize.ByteSize(reflect.ValueOf(data).Float()), nil
	default:
		return data, nil
	}
}

var _ mapstructure.DecodeHookFuncType = byteSizeDecodeHook
