package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(BackendKindHookFunc()),
	viper.DecodeHook(DurationHookFunc()),
}

// BackendKindHookFunc decodes strings such as "slurm" or "none" into a
// domain.BackendKind, rejecting unknown backends at config-load time.
func BackendKindHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(domain.BackendLocal) {
			return data, nil
		}
		return domain.ParseBackendKind(data.(string))
	}
}

// DurationHookFunc decodes strings such as "30s" into a time.Duration.
func DurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(fmt.Sprintf("%v", data))
	}
}
