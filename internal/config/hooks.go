package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// durationDecodeHook lets viper decode "30m" strings and millisecond numbers
// into config.Duration fields.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(Duration(0)) {
			return data, nil
		}

		switch value := data.(type) {
		case string:
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", value, err)
			}
			return Duration(parsed), nil
		case int:
			return Duration(time.Duration(value) * time.Millisecond), nil
		case int64:
			return Duration(time.Duration(value) * time.Millisecond), nil
		case float64:
			return Duration(time.Duration(value) * time.Millisecond), nil
		default:
			return data, nil
		}
	}
}
