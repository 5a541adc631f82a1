package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var receiptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.UTC().Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/receipt.html")
	if err != nil {
		receiptTemplate = template.Must(template.New("receipt").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	receiptTemplate = template.Must(template.New("receipt").Funcs(funcMap).Parse(string(templateContent)))
}

// RenderReceiptHTML renders the receipt template. All values are escaped.
func RenderReceiptHTML(receipt Receipt) (string, error) {
	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, receipt); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Commit {{.CommitID}}</title></head>
<body>
  <h1>Commit {{.CommitID}}</h1>
  <p>{{.SchemaKey}} | {{.Institution}} | {{.Author}} | {{formatDate .CreatedAt "2006-01-02 15:04 MST"}}</p>
  <ul>{{range .Manual}}<li>{{.Name}} ({{.UniqueID}})</li>{{end}}{{range .Automated}}<li>{{.Name}} ({{.UniqueID}})</li>{{end}}</ul>
  <ul>{{range .Removed}}<li>{{.Name}} ({{.UniqueID}})</li>{{end}}</ul>
</body>
</html>`
