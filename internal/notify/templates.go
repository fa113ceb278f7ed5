package notify

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"
)

// ArrivalData fills the arrival templates.
type ArrivalData struct {
	Name        string
	Group       string
	Subgroup    string
	Time        string
	Status      string
	MinutesLate int
	Location    string
}

// AbsenceData fills the absence templates.
type AbsenceData struct {
	Name     string
	Group    string
	Subgroup string
	Date     string
	Cutoff   string
}

var (
	arrivalSubject = template.Must(template.New("arrival_subject").Parse(
		`{{.Name}} arrived{{if eq .Status "late"}} late{{end}}`))
	arrivalText = template.Must(template.New("arrival_text").Parse(
		`{{.Name}}{{with .Group}} ({{.}}{{with $.Subgroup}}-{{.}}{{end}}){{end}} arrived at {{.Time}}` +
			`{{with .Location}} at {{.}}{{end}}` +
			`{{if eq .Status "late"}}, {{.MinutesLate}} min late{{else}}, on time{{end}}.`))
	arrivalHTML = htmltemplate.Must(htmltemplate.New("arrival_html").Parse(
		`<p><strong>{{.Name}}</strong>{{with .Group}} ({{.}}{{with $.Subgroup}}-{{.}}{{end}}){{end}} arrived at {{.Time}}` +
			`{{with .Location}} at {{.}}{{end}}.</p>` +
			`{{if eq .Status "late"}}<p>Late by {{.MinutesLate}} minutes.</p>{{else}}<p>On time.</p>{{end}}`))

	absenceSubject = template.Must(template.New("absence_subject").Parse(
		`{{.Name}} absent on {{.Date}}`))
	absenceText = template.Must(template.New("absence_text").Parse(
		`{{.Name}}{{with .Group}} ({{.}}{{with $.Subgroup}}-{{.}}{{end}}){{end}} has not arrived as of {{.Cutoff}} on {{.Date}} and is marked absent.`))
	absenceHTML = htmltemplate.Must(htmltemplate.New("absence_html").Parse(
		`<p><strong>{{.Name}}</strong>{{with .Group}} ({{.}}{{with $.Subgroup}}-{{.}}{{end}}){{end}} has not arrived as of {{.Cutoff}} on {{.Date}}.</p>` +
			`<p>They have been marked absent. Please contact the office if this is a mistake.</p>`))
)

// ArrivalMessage renders the arrival notification.
func ArrivalMessage(d ArrivalData) (Message, error) {
	return render(KindArrival, d, arrivalSubject, arrivalText, arrivalHTML)
}

// AbsenceMessage renders the absence notification.
func AbsenceMessage(d AbsenceData) (Message, error) {
	return render(KindAbsence, d, absenceSubject, absenceText, absenceHTML)
}

func render(kind string, data any, subject, text *template.Template, html *htmltemplate.Template) (Message, error) {
	var s, t, h bytes.Buffer
	if err := subject.Execute(&s, data); err != nil {
		return Message{}, err
	}
	if err := text.Execute(&t, data); err != nil {
		return Message{}, err
	}
	if err := html.Execute(&h, data); err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Subject: s.String(), Text: t.String(), HTML: h.String()}, nil
}
