package httpapi

import (
	_ "embed"
	"html/template"
)

const (
	adminLoginTemplateName    = "admin_login"
	adminMessagesTemplateName = "admin_messages"
)

//go:embed templates/admin_login.tmpl
var adminLoginTemplateHTML string

//go:embed templates/admin_messages.tmpl
var adminMessagesTemplateHTML string

var (
	adminLoginTemplate    = template.Must(template.New(adminLoginTemplateName).Parse(adminLoginTemplateHTML))
	adminMessagesTemplate = template.Must(template.New(adminMessagesTemplateName).Parse(adminMessagesTemplateHTML))
)
