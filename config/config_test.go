package config

import (
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBasicTypes(t *testing.T) {
	var out struct {
		Name    string        `config:"name"`
		Timeout time.Duration `config:"timeout"`
		Size    datasize.ByteSize
	}
	err := Decode(map[string]interface{}{
		"name":    "conn",
		"timeout": "5s",
		"size":    "64kb",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "conn", out.Name)
	assert.Equal(t, 5*time.Second, out.Timeout)
	assert.Equal(t, 64*datasize.KB, out.Size)
}

func TestDecodeDoesNotZeroFields(t *testing.T) {
	out := struct {
		A string
		B string
	}{A: "keep", B: "old"}
	err := Decode(map[string]interface{}{"b": "new"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "keep", out.A)
	assert.Equal(t, "new", out.B)
}

func TestDecodeUnusedKeyIsError(t *testing.T) {
	var out struct {
		A string
	}
	err := Decode(map[string]interface{}{"a": "x", "unknown": 1}, &out)
	assert.Error(t, err)
}

func TestDecodeURLAndIP(t *testing.T) {
	var out struct {
		Target *url.URL
		Addr   net.IP
	}
	err := Decode(map[string]interface{}{
		"target": "http://example.com:8080/status",
		"addr":   "127.0.0.1",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "example.com:8080", out.Target.Host)
	assert.True(t, out.Addr.IsLoopback())
}

func TestDecodeInvalidURL(t *testing.T) {
	var out struct {
		Target *url.URL
	}
	err := Decode(map[string]interface{}{"target": "://not-a-url"}, &out)
	assert.Error(t, err)
}

func TestValidateSizeBounds(t *testing.T) {
	type conf struct {
		Window datasize.ByteSize `validate:"min-size=1kb,max-size=1gb"`
	}
	assert.NoError(t, Validate(conf{Window: 64 * datasize.KB}))
	assert.Error(t, Validate(conf{Window: 100}))
	assert.Error(t, Validate(conf{Window: 2 * datasize.GB}))
}

func TestValidateTimeBounds(t *testing.T) {
	type conf struct {
		Timeout time.Duration `validate:"min-time=1s,max-time=1m"`
	}
	assert.NoError(t, Validate(conf{Timeout: 10 * time.Second}))
	assert.Error(t, Validate(conf{Timeout: time.Millisecond}))
}

func TestEndpointValidation(t *testing.T) {
	valid := []string{":8080", "localhost:443", "192.168.0.1:80"}
	for _, v := range valid {
		assert.True(t, EndpointStringValidation(v), v)
	}
	invalid := []string{"localhost", ":not-a-port", "host:99999"}
	for _, v := range invalid {
		assert.False(t, EndpointStringValidation(v), v)
	}
}

func TestURLPathValidation(t *testing.T) {
	assert.True(t, URLPathStringValidation("/hello"))
	assert.True(t, URLPathStringValidation("/a/b.c"))
	assert.False(t, URLPathStringValidation("no-leading-slash"))
	assert.False(t, URLPathStringValidation("/"))
}
