package config

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const TagName = "config"

// Decode decodes conf to result. Doesn't zero fields.
func Decode(conf interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(newDecoderConfig(result))
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(decoder.Decode(conf))
}

func DecodeAndValidate(conf interface{}, result interface{}) error {
	err := Decode(conf, result)
	if err != nil {
		return err
	}
	return Validate(result)
}

func newDecoderConfig(result interface{}) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook:       decodeHook,
		ErrorUnused:      true,
		ZeroFields:       false,
		WeaklyTypedInput: false,
		TagName:          TagName,
		Result:           result,
	}
}

// decodeHook composes the conversions Decode applies beyond plain
// mapstructure mapping: encoding.TextUnmarshaler, durations, URLs, IPs and
// byte sizes, all from strings.
var decodeHook = mapstructure.ComposeDecodeHookFunc(
	TextUnmarshallerHook,
	mapstructure.StringToTimeDurationHookFunc(),
	StringToURLHook,
	StringToIPHook,
	StringToDataSizeHook,
)
