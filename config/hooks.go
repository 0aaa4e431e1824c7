// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package config

import (
	"encoding"
	"net"
	"net/url"
	"reflect"

	"github.com/asaskevich/govalidator"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
)

var ErrInvalidURL = errors.New("string is not valid URL")

var (
	urlPtrType = reflect.TypeOf(&url.URL{})
	urlType    = reflect.TypeOf(url.URL{})
)

// StringToURLHook converts string to url.URL or *url.URL
func StringToURLHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != urlPtrType && t != urlType {
		return data, nil
	}
	str := data.(string)

	if !govalidator.IsURL(str) { // checks more than url.Parse
		return nil, errors.WithStack(ErrInvalidURL)
	}
	urlPtr, err := url.Parse(str)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if t == urlType {
		return *urlPtr, nil
	}
	return urlPtr, nil
}

var ErrInvalidIP = errors.New("string is not valid IP")

// StringToIPHook converts string to net.IP
func StringToIPHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != reflect.TypeOf(net.IP{}) {
		return data, nil
	}
	str := data.(string)
	ip := net.ParseIP(str)
	if ip == nil {
		return nil, errors.WithStack(ErrInvalidIP)
	}
	return ip, nil
}

// StringToDataSizeHook converts string to datasize.ByteSize
func StringToDataSizeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != reflect.TypeOf(datasize.B) {
		return data, nil
	}
	var size datasize.ByteSize
	err := size.UnmarshalText([]byte(data.(string)))
	return size, err
}

var textUnmarshallerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// TextUnmarshallerHook converts strings via encoding.TextUnmarshaler when the
// target type (or a pointer to it) implements it.
func TextUnmarshallerHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if !reflect.PtrTo(t).Implements(textUnmarshallerType) {
		return data, nil
	}
	result := reflect.New(t)
	err := result.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(data.(string)))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return result.Elem().Interface(), nil
}
