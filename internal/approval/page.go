package approval

import (
	"html/template"
	"net/http"

	"github.com/Masterminds/sprig/v3"

	"brokermcp/pkg/logging"
)

// Page is the data shown on the approval page.
type Page struct {
	ServerName  string
	ClientName  string
	ClientID    string
	RedirectURI string
	Scopes      []string

	// Action is where the form posts, usually the authorize endpoint.
	Action string

	// EncodedState is echoed back in the hidden "state" field.
	EncodedState string
}

var pageTemplate = template.Must(template.New("approval").Funcs(sprig.FuncMap()).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorize {{ .ClientName | default .ClientID | trunc 64 }}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; max-width: 32rem; margin: 4rem auto; color: #222; }
.card { border: 1px solid #ddd; border-radius: 8px; padding: 1.5rem; }
code { background: #f4f4f4; padding: 0 .25rem; }
button { padding: .5rem 1.25rem; }
</style>
</head>
<body>
<div class="card">
<h1>{{ .ServerName | default "brokermcp" }}</h1>
<p><strong>{{ .ClientName | default .ClientID | trunc 64 }}</strong> is requesting access to your brokerage account.</p>
{{- if .Scopes }}
<p>Requested scopes: <code>{{ .Scopes | join " " }}</code></p>
{{- end }}
{{- if .RedirectURI }}
<p>You will be returned to <code>{{ .RedirectURI }}</code>.</p>
{{- end }}
<form method="post" action="{{ .Action | default "/authorize" }}">
<input type="hidden" name="state" value="{{ .EncodedState }}">
<button type="submit">Approve</button>
</form>
</div>
</body>
</html>
`))

// RenderPage writes the approval page.
func RenderPage(w http.ResponseWriter, page Page) {
	SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := pageTemplate.Execute(w, page); err != nil {
		logging.Error("Approval", err, "Failed to render approval page")
	}
}

// SetSecurityHeaders sets the headers every browser-facing page carries.
func SetSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}
