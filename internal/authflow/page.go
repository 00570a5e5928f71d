package authflow

import (
	"html/template"
	"net/http"

	"brokermcp/internal/approval"
	"brokermcp/pkg/logging"
)

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorization failed</title></head>
<body>
<h1>Authorization failed</h1>
<p>{{ .Message }}</p>
<p>Close this window and start the sign-in again from your client.</p>
</body>
</html>
`))

func renderError(w http.ResponseWriter, status int, message string) {
	approval.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorTemplate.Execute(w, struct{ Message string }{message}); err != nil {
		logging.Error("AuthFlow", err, "Failed to render error page")
	}
}
