package notifications

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Template names.
const (
	TemplateAuthorization = "authorization_request"
	TemplateCompletion    = "completion"
	TemplateFailure       = "failure"
)

type noticeTemplate struct {
	subject string
	body    string
}

// Bodies are Markdown rendered through pongo2 and then goldmark.
var defaultTemplates = map[string]noticeTemplate{
	TemplateAuthorization: {
		subject: `Authorize data wallet task {{ task_id }}`,
		body: `# Authorization requested

A message from **{{ summary.Sender }}** is ready to be stored in your data wallet.

| | |
|---|---|
| Subject | {{ summary.Subject|default:"(no subject)" }} |
| Attachments | {{ summary.AttachmentCount }} |
| Estimated cost | {{ summary.EstimatedCost }} credits |
| Expires | {{ expires_at }}{% if summary.ExpiresIn %} ({{ summary.ExpiresIn }}){% endif %} |

[Review and authorize]({{ callback_url }})

If you did not expect this message, ignore it and the request will lapse.
`,
	},
	TemplateCompletion: {
		subject: `Data wallet task {{ task_id }} completed`,
		body: `# Task completed

Your message **{{ subject|default:"(no subject)" }}** was stored and attested.

{% for locator in locators %}- ` + "`{{ locator }}`" + `
{% endfor %}
{% if tx_ref %}Ledger transaction: ` + "`{{ tx_ref }}`" + ` on {{ network }}{% endif %}
`,
	},
	TemplateFailure: {
		subject: `Data wallet task {{ task_id }} failed`,
		body: `# Task failed

Your message **{{ subject|default:"(no subject)" }}** could not be processed.

> {{ reason }}
`,
	},
}

// RenderedNotice is a subject plus HTML body.
type RenderedNotice struct {
	Subject string
	HTML    string
}

// Renderer compiles the notice templates once.
type Renderer struct {
	subjects map[string]*pongo2.Template
	bodies   map[string]*pongo2.Template
	markdown goldmark.Markdown
}

// NewRenderer compiles the built-in templates with optional overrides keyed
// by template name. Overrides replace the body only.
func NewRenderer(overrides map[string]string) (*Renderer, error) {
	r := &Renderer{
		subjects: make(map[string]*pongo2.Template),
		bodies:   make(map[string]*pongo2.Template),
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	for name, tpl := range defaultTemplates {
		subject, err := pongo2.FromString(tpl.subject)
		if err != nil {
			return nil, fmt.Errorf("compile %s subject: %w", name, err)
		}
		source := tpl.body
		if o, ok := overrides[name]; ok {
			source = o
		}
		body, err := pongo2.FromString(source)
		if err != nil {
			return nil, fmt.Errorf("compile %s body: %w", name, err)
		}
		r.subjects[name] = subject
		r.bodies[name] = body
	}
	return r, nil
}

// Render executes the named template and converts its Markdown to HTML.
func (r *Renderer) Render(name string, data pongo2.Context) (*RenderedNotice, error) {
	subjectTpl, ok := r.subjects[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	subject, err := subjectTpl.Execute(data)
	if err != nil {
		return nil, fmt.Errorf("render %s subject: %w", name, err)
	}
	md, err := r.bodies[name].Execute(data)
	if err != nil {
		return nil, fmt.Errorf("render %s body: %w", name, err)
	}
	var html bytes.Buffer
	if err := r.markdown.Convert([]byte(md), &html); err != nil {
		return nil, fmt.Errorf("convert %s markdown: %w", name, err)
	}
	return &RenderedNotice{Subject: strings.TrimSpace(subject), HTML: html.String()}, nil
}
