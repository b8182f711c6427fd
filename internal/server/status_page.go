package server

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
)

//go:embed status.html
var statusHTML string

var statusTmpl = template.Must(template.New("status").Parse(statusHTML))

// StatusHandler serves the worker status page, which follows the state
// event stream at streamPath. The stream sits behind the API key when one
// is configured.
func StatusHandler(streamPath string) http.HandlerFunc {
	var buf bytes.Buffer
	if err := statusTmpl.Execute(&buf, struct{ Stream string }{streamPath}); err != nil {
		panic(err)
	}
	page := buf.Bytes()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(page)
	}
}
