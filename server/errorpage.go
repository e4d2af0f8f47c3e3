package server

import (
	"html/template"
	"net/http"
)

// ErrorPageData feeds the branded error/status page. Every field is escaped
// by the template engine before interpolation.
type ErrorPageData struct {
	Title      string
	Message    string
	ExpandText string
	Details    string
	LinkURI    string
	LinkText   string
}

var errorPageTemplate = template.Must(template.New("errorpage").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<meta name="viewport" content="width=device-width,initial-scale=1,shrink-to-fit=no"/>
<title>Authorization Gateway</title>
<style>
html{padding:0}
body{display:flex;min-height:100%;margin:0;justify-content:center;align-items:flex-start;font-family:sans-serif}
.message-card{flex-grow:1;max-width:600px;margin-top:2%;border:1px solid #ddd;border-radius:4px}
.card-header{padding:.75rem 1.25rem;background:#f7f7f7;border-bottom:1px solid #ddd}
.card-body{padding:1.25rem}
.details{color:#6c757d;font-size:.875em}
.btn{display:inline-block;padding:.375rem .75rem;background:#007bff;color:#fff;text-decoration:none;border-radius:.25rem}
</style>
</head>
<body>
<div class="message-card">
<h5 class="card-header">Authorization Gateway</h5>
<div class="card-body">
<h5>{{.Title}}</h5>
<p>{{.Message}}{{if .ExpandText}} <a href="#details">{{.ExpandText}}</a>{{end}}</p>
{{if .Details}}<p class="details" id="details">{{.Details}}</p>{{end}}
<a href="{{.LinkURI}}" class="btn" role="button">{{.LinkText}}</a>
</div>
</div>
</body>
</html>
`))

// RenderErrorPage writes the branded HTML page. User-visible failures always
// come through here so no raw error or stack trace ever reaches the browser
// unescaped.
func RenderErrorPage(w http.ResponseWriter, status int, data ErrorPageData) {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(status)
	_ = errorPageTemplate.Execute(w, data)
}
