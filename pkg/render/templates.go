package render

const itemTemplate = `# {{.Title}}

{{if .Item.KBDescription}}{{.Item.KBDescription}}

{{end}}**Category:** {{.Main}} / {{.Sub}}

## Content

{{range .Paragraphs}}{{.}}

{{end}}{{if .Images}}## Images

{{range .Images}}![{{.Description}}]({{.File}})

*{{.Description}}*

{{end}}{{end}}---

{{if .Item.SourceURL}}Source: <{{.Item.SourceURL}}>
{{end}}Item ID: ` + "`{{.Item.ItemID}}`" + `
`

const indexTemplate = `# Knowledge Base

{{.Stats.CompletedItems}} of {{.Stats.TotalItems}} items processed. Generated {{.Stats.GeneratedAtUTC}}.
{{if .Stats.CollectionsNote}}
{{.Stats.CollectionsNote}}
{{end}}
## Categories

{{range .Groups}}### {{.Main}} / {{.Sub}}

{{range .Items}}- [{{.KBDisplayTitle}}]({{.KBFilePath}})
{{end}}
{{end}}`

const indexHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Knowledge Base</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
h2 { border-bottom: 1px solid #ddd; padding-bottom: .25rem; }
.meta { color: #666; }
</style>
</head>
<body>
<h1>Knowledge Base</h1>
<p class="meta">{{.Stats.CompletedItems}} of {{.Stats.TotalItems}} items processed. Generated {{.Stats.GeneratedAtUTC}}.</p>
{{range .Groups}}<h2>{{.Main}} / {{.Sub}}</h2>
<ul>
{{range .Items}}<li><a href="{{.KBFilePath}}">{{.KBDisplayTitle}}</a></li>
{{end}}</ul>
{{end}}</body>
</html>
`
