// Package errorpage renders the auto-reloading HTML page shown in place
// of a proxied response while the wrapped subprocess is down.
package errorpage

import (
	"html/template"
	"net/http"
)

// Context is the data the page template receives.
type Context struct {
	Stdout   string
	AwaitURL string
}

const pageSource = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>waiting for server&hellip;</title>
  <style>
    body { font-family: monospace; background: #1e1e1e; color: #d4d4d4; margin: 2rem; }
    pre { white-space: pre-wrap; word-break: break-word; background: #111; padding: 1rem; border-radius: 4px; }
    h1 { font-size: 1.1rem; font-weight: normal; color: #888; }
  </style>
</head>
<body>
  <h1>Waiting for the development server to start&hellip;</h1>
  <pre>{{.Stdout}}</pre>
  <script>
    (function poll() {
      fetch({{.AwaitURL}}).then(function () {
        location.reload();
      }).catch(function () {
        setTimeout(poll, 1000);
      });
    })();
  </script>
</body>
</html>
`

// Renderer holds the parsed page template.
type Renderer struct {
	tmpl *template.Template
}

// New parses the error page template once at startup.
func New() (*Renderer, error) {
	tmpl, err := template.New("error-page").Parse(pageSource)
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render writes the error page to w with status 503. Stdout content is
// HTML-escaped automatically by html/template since it originates from
// the supervised subprocess and is therefore untrusted.
func (r *Renderer) Render(w http.ResponseWriter, ctx Context) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	return r.tmpl.Execute(w, ctx)
}
