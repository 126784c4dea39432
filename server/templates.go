package server

import (
	"html/template"
)

const pageStyle = `<style>
body { margin: 0; font-family: system-ui, sans-serif; background: #f9fafb; color: #111827; }
header { background: #2563eb; color: white; padding: 16px 24px; display: flex; justify-content: space-between; align-items: center; }
header h1 { margin: 0; font-size: 20px; }
header a { color: white; text-decoration: none; font-size: 14px; }
main { padding: 24px; max-width: 1100px; margin: 0 auto; }
.card { background: white; border-radius: 12px; padding: 16px 20px; border: 1px solid #e5e7eb; }
ul { list-style: none; padding-left: 0; }
li + li { margin-top: 6px; }
a.link { color: #2563eb; text-decoration: none; font-weight: 500; }
.meta { font-size: 13px; color: #6b7280; }
.grid { display: flex; flex-wrap: wrap; gap: 12px; }
.thumb { background: #f9fafb; border: 1px solid #e5e7eb; border-radius: 8px; padding: 8px; max-width: 260px; }
.thumb img { max-width: 100%; display: block; }
.thumb p { margin: 4px 0 0 0; font-size: 12px; word-break: break-all; }
.error { color: #b91c1c; }
</style>`

var (
	loginTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Login - {{ .Site }}</title>` + pageStyle + `</head>
<body>
<header><h1>{{ .Site }}</h1></header>
<main><div class="card">
<h2>Login</h2>
{{ if .Error }}<p class="error">{{ .Error }}</p>{{ end }}
<form method="post">
<p><label>Username <input type="text" name="username" autofocus></label></p>
<p><label>Password <input type="password" name="password"></label></p>
<button type="submit">Sign in</button>
</form>
</div></main>
</body>
</html>`))

	ownersTemplate = template.Must(template.New("owners").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Users - {{ .Site }}</title>` + pageStyle + `</head>
<body>
<header><h1>{{ .Site }}</h1><a href="/logout">Logout</a></header>
<main><div class="card">
<h2>Users</h2>
<ul>
{{ range .Owners }}
	<li><a class="link" href="/user/{{ .Name }}">{{ .Name }}</a>
	<div class="meta">{{ .Days }} day(s), {{ .Files }} screenshot(s)</div></li>
{{ else }}
	<li>No users yet.</li>
{{ end }}
</ul>
</div></main>
</body>
</html>`))

	daysTemplate = template.Must(template.New("days").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{ .Owner }} - {{ .Site }}</title>` + pageStyle + `</head>
<body>
<header><h1>{{ .Site }}</h1><a href="/logout">Logout</a></header>
<main><div class="card">
<h2>User: {{ .Owner }}</h2>
{{ $owner := .Owner }}
<ul>
{{ range .Days }}
	<li><a class="link" href="/user/{{ $owner }}/{{ .Name }}">{{ .Name }}</a>
	<span class="meta">({{ .Files }} screenshot(s))</span></li>
{{ else }}
	<li>No days yet.</li>
{{ end }}
</ul>
<p><a class="link" href="/">Back to users</a></p>
</div></main>
</body>
</html>`))

	filesTemplate = template.Must(template.New("files").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{ .Owner }} - {{ .Day }} - {{ .Site }}</title>` + pageStyle + `</head>
<body>
<header><h1>{{ .Site }}</h1><a href="/logout">Logout</a></header>
<main><div class="card">
<h2>{{ .Owner }} - {{ .Day }}</h2>
<p><a class="link" href="/user/{{ .Owner }}">Back to days</a></p>
{{ $owner := .Owner }}{{ $day := .Day }}
<div class="grid">
{{ range .Files }}
	<div class="thumb"><a href="/files/{{ $owner }}/{{ $day }}/{{ .Name }}">
	<img src="/files/{{ $owner }}/{{ $day }}/{{ .Name }}" alt="{{ .Name }}"></a>
	<p>{{ .Name }}</p></div>
{{ else }}
	<p>No screenshots for this day.</p>
{{ end }}
</div>
</div></main>
</body>
</html>`))
)
