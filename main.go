// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package main

import (
	"io"

	"github.com/protolab/h2mux/cli"
	"github.com/protolab/h2mux/hpack"
	"github.com/protolab/h2mux/router"
)

func routes() *router.Table {
	t := router.NewTable()
	t.AddFunc("GET", "/healthz", func(w router.ResponseWriter, req *router.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	t.AddFunc("GET", "/hello", func(w router.ResponseWriter, req *router.Request) {
		_ = w.WriteHeaders(200, []hpack.HeaderField{
			{Name: "content-type", Value: "text/plain"},
		})
		_, _ = w.Write([]byte("hello, http/2\n"))
	})
	t.AddFunc("POST", "/echo", func(w router.ResponseWriter, req *router.Request) {
		_ = w.WriteHeaders(200, nil)
		_, _ = io.Copy(w, req.Body)
	})
	return t
}

func main() {
	cli.Run(routes())
}
