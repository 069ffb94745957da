package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"stagegate/internal/domain"
)

// Notice is the per-kind notification configuration.
type Notice struct {
	Recipients []string
	// Subject is a text/template evaluated against the case.
	Subject string
	Locale  string
}

// Summary is everything the consolidated message shows.
type Summary struct {
	Case domain.Case
	// Active holds the active decision of each stage in stage order.
	Active []domain.StageDecision
	Risk   *domain.RiskAssessment
}

type Renderer struct {
	Notices map[domain.CaseKind]Notice
}

func init() {
	pt := language.BrazilianPortuguese
	for key, msg := range map[string]string{
		"Case %s approved":                            "Caso %s aprovado",
		"All review stages of %s %s were approved.":   "Todas as etapas de análise de %s %s foram aprovadas.",
		"Stage":                                       "Etapa",
		"Decision":                                    "Decisão",
		"Reviewer":                                    "Responsável",
		"Decided at":                                  "Data",
		"Risk":                                        "Risco",
		"Attachments":                                 "Anexos",
		"Approved":                                    "Aprovado",
		"deviation":                                   "Desvio",
		"occurrence":                                  "Ocorrência",
		"contract":                                    "Contrato",
		"requisition":                                 "Requisição",
		"Trivial":                                     "Trivial",
		"Tolerable":                                   "Tolerável",
		"Moderate":                                    "Moderado",
		"Substantial":                                 "Substancial",
		"Intolerable":                                 "Intolerável",
		"%s (score %d, matrix %s)":                    "%s (pontuação %d, matriz %s)",
	} {
		if err := message.SetString(pt, key, msg); err != nil {
			panic(err)
		}
	}
}

var bodyTemplate = template.Must(template.New("body").Parse(`<h1>{{.Heading}}</h1>
<p>{{.Intro}}</p>
<table>
<tr><th>{{.Labels.Stage}}</th><th>{{.Labels.Decision}}</th><th>{{.Labels.Reviewer}}</th><th>{{.Labels.DecidedAt}}</th></tr>
{{- range .Rows}}
<tr><td>{{.Stage}}</td><td>{{.Decision}}</td><td>{{.Actor}}</td><td>{{.DecidedAt}}</td></tr>
{{- end}}
</table>
{{- if .Risk}}
<p>{{.Labels.Risk}}: {{.Risk}}</p>
{{- end}}
{{- if .Attachments}}
<h2>{{.Labels.Attachments}}</h2>
<ul>
{{- range .Attachments}}
<li><a href="{{.URL}}">{{.Name}}</a></li>
{{- end}}
</ul>
{{- end}}
`))

type bodyRow struct {
	Stage, Decision, Actor, DecidedAt string
}

type bodyData struct {
	Heading     string
	Intro       string
	Labels      map[string]string
	Rows        []bodyRow
	Risk        string
	Attachments []domain.Attachment
}

// Printer returns a localized printer; unknown locales fall back to English.
func Printer(locale string) *message.Printer {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		tag = language.English
	}
	return message.NewPrinter(tag)
}

// Render builds the dispatch request for s.
func (r Renderer) Render(s Summary) (domain.DispatchRequest, error) {
	notice := r.Notices[s.Case.Kind]
	if len(notice.Recipients) == 0 {
		return domain.DispatchRequest{}, fmt.Errorf("no notification recipients configured for kind %s", s.Case.Kind)
	}
	p := Printer(notice.Locale)
	label := s.Case.Reference
	if label == "" {
		label = s.Case.Title
	}

	subject := p.Sprintf("Case %s approved", label)
	if notice.Subject != "" {
		t, err := texttemplate.New("subject").Parse(notice.Subject)
		if err != nil {
			return domain.DispatchRequest{}, fmt.Errorf("subject template: %w", err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, s.Case); err != nil {
			return domain.DispatchRequest{}, fmt.Errorf("subject template: %w", err)
		}
		subject = strings.TrimSpace(buf.String())
	}

	data := bodyData{
		Heading: subject,
		Intro:   p.Sprintf("All review stages of %s %s were approved.", p.Sprintf(string(s.Case.Kind)), label),
		Labels: map[string]string{
			"Stage":       p.Sprintf("Stage"),
			"Decision":    p.Sprintf("Decision"),
			"Reviewer":    p.Sprintf("Reviewer"),
			"DecidedAt":   p.Sprintf("Decided at"),
			"Risk":        p.Sprintf("Risk"),
			"Attachments": p.Sprintf("Attachments"),
		},
		Attachments: s.Case.Attachments,
	}
	for _, d := range s.Active {
		data.Rows = append(data.Rows, bodyRow{
			Stage:     d.Stage,
			Decision:  p.Sprintf(string(d.Decision)),
			Actor:     d.ActorID,
			DecidedAt: d.DecidedAt.UTC().Format("2006-01-02 15:04 MST"),
		})
	}
	if s.Risk != nil {
		data.Risk = p.Sprintf("%s (score %d, matrix %s)", p.Sprintf(string(s.Risk.Category)), s.Risk.Score, s.Risk.MatrixVersion)
	}
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, data); err != nil {
		return domain.DispatchRequest{}, fmt.Errorf("body template: %w", err)
	}
	attachments := make([]domain.Attachment, len(s.Case.Attachments))
	copy(attachments, s.Case.Attachments)
	recipients := make([]string, len(notice.Recipients))
	copy(recipients, notice.Recipients)
	return domain.DispatchRequest{
		CaseID:      s.Case.ID,
		Recipients:  recipients,
		Subject:     subject,
		BodyHTML:    body.String(),
		Attachments: attachments,
	}, nil
}
