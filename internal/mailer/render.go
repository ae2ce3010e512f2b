package mailer

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/yecday/registration/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var subjects = map[model.EmailTemplate]string{
	model.EmailTemplateTracking:      "YEC Day: we received your registration {{.registration_code}}",
	model.EmailTemplateUpdatePayment: "YEC Day: please update your payment slip",
	model.EmailTemplateUpdateInfo:    "YEC Day: please update your profile information",
	model.EmailTemplateUpdateTCC:     "YEC Day: please update your chamber of commerce card",
	model.EmailTemplateApprovalBadge: "YEC Day: you are confirmed, here is your badge",
	model.EmailTemplateRejection:     "YEC Day: update on registration {{.registration_code}}",
}

type Rendered struct {
	Subject string
	HTML    string
}

// Renderer turns an outbox template name and payload into a message.
type Renderer interface {
	Render(tmpl model.EmailTemplate, payload map[string]any) (Rendered, error)
}

type TemplateRenderer struct {
	bodies   map[model.EmailTemplate]*htmltemplate.Template
	subjects map[model.EmailTemplate]*texttemplate.Template
}

// NewTemplateRenderer parses the embedded templates. Missing payload keys
// are render errors rather than empty strings.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	r := &TemplateRenderer{
		bodies:   make(map[model.EmailTemplate]*htmltemplate.Template),
		subjects: make(map[model.EmailTemplate]*texttemplate.Template),
	}

	for _, name := range model.EmailTemplates {
		body, err := htmltemplate.New("layout.html").
			Option("missingkey=error").
			ParseFS(templateFS, "templates/layout.html", "templates/"+string(name)+".html")
		if err != nil {
			return nil, fmt.Errorf("mailer: failed to parse template %s: %w", name, err)
		}
		r.bodies[name] = body

		subject, err := texttemplate.New(string(name)).
			Option("missingkey=error").
			Parse(subjects[name])
		if err != nil {
			return nil, fmt.Errorf("mailer: failed to parse subject %s: %w", name, err)
		}
		r.subjects[name] = subject
	}

	return r, nil
}

func (r *TemplateRenderer) Render(tmpl model.EmailTemplate, payload map[string]any) (Rendered, error) {
	body, ok := r.bodies[tmpl]
	if !ok {
		return Rendered{}, fmt.Errorf("mailer: unknown template %q", tmpl)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	var subject bytes.Buffer
	if err := r.subjects[tmpl].Execute(&subject, payload); err != nil {
		return Rendered{}, fmt.Errorf("mailer: failed to render subject %s: %w", tmpl, err)
	}

	var html bytes.Buffer
	if err := body.ExecuteTemplate(&html, "layout.html", payload); err != nil {
		return Rendered{}, fmt.Errorf("mailer: failed to render %s: %w", tmpl, err)
	}

	return Rendered{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    html.String(),
	}, nil
}

// WithSubjectPrefix prepends prefix unless the subject already carries it.
func WithSubjectPrefix(subject, prefix string) string {
	if prefix == "" || strings.HasPrefix(subject, prefix) {
		return subject
	}
	return prefix + subject
}
