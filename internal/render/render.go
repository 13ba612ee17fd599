// Package render turns notification templates and their context into
// subject, text body and optional HTML body.
//
// A template reference is either the name of a registered Template or an
// inline text/template body.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltmpl "html/template"
	"strings"
	"sync"
	texttmpl "text/template"
)

var ErrTemplate = errors.New("template error")

// Template is a named set of sources. Subject and HTML are optional.
type Template struct {
	Name    string `json:"name" yaml:"name"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body    string `json:"body" yaml:"body"`
	HTML    string `json:"html,omitempty" yaml:"html,omitempty"`
}

type Output struct {
	Subject string
	Body    string
	HTML    string
}

type compiled struct {
	subject *texttmpl.Template
	body    *texttmpl.Template
	html    *htmltmpl.Template
}

var funcs = map[string]any{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
	"default": func(def, v any) any {
		if v == nil {
			return def
		}
		if s, ok := v.(string); ok && s == "" {
			return def
		}
		return v
	},
}

type Renderer struct {
	mu    sync.RWMutex
	named map[string]*compiled
}

func New(templates ...Template) (*Renderer, error) {
	r := &Renderer{named: map[string]*compiled{}}
	for _, t := range templates {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles t and replaces any template with the same name.
func (r *Renderer) Register(t Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: template name is empty", ErrTemplate)
	}
	c, err := compile(t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.named[t.Name] = c
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.named[name]
	r.mu.RUnlock()
	return ok
}

// Check compiles ref and subject without executing them.
func (r *Renderer) Check(ref, subject string) error {
	_, err := r.resolve(ref, subject)
	return err
}

// Render executes ref with data. subject is used (as an inline template)
// when the referenced template has none.
func (r *Renderer) Render(ref, subject string, data map[string]any) (Output, error) {
	c, err := r.resolve(ref, subject)
	if err != nil {
		return Output{}, err
	}
	if data == nil {
		data = map[string]any{}
	}
	var out Output
	if out.Subject, err = execText(c.subject, data); err != nil {
		return Output{}, err
	}
	if out.Body, err = execText(c.body, data); err != nil {
		return Output{}, err
	}
	if c.html != nil {
		var buf bytes.Buffer
		if err := c.html.Execute(&buf, data); err != nil {
			return Output{}, fmt.Errorf("%w: %v", ErrTemplate, err)
		}
		out.HTML = buf.String()
	}
	out.Subject = strings.TrimSpace(out.Subject)
	return out, nil
}

func (r *Renderer) resolve(ref, subject string) (*compiled, error) {
	r.mu.RLock()
	named, ok := r.named[ref]
	r.mu.RUnlock()
	if ok {
		if named.subject != nil || subject == "" {
			return named, nil
		}
		s, err := parseText("subject", subject)
		if err != nil {
			return nil, err
		}
		cp := *named
		cp.subject = s
		return &cp, nil
	}
	return compile(Template{Name: "inline", Subject: subject, Body: ref})
}

func compile(t Template) (*compiled, error) {
	c := &compiled{}
	var err error
	if t.Subject != "" {
		if c.subject, err = parseText(t.Name+".subject", t.Subject); err != nil {
			return nil, err
		}
	}
	if c.body, err = parseText(t.Name+".body", t.Body); err != nil {
		return nil, err
	}
	if t.HTML != "" {
		c.html, err = htmltmpl.New(t.Name + ".html").Funcs(htmltmpl.FuncMap(funcs)).Option("missingkey=zero").Parse(t.HTML)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
		}
	}
	return c, nil
}

func parseText(name, src string) (*texttmpl.Template, error) {
	t, err := texttmpl.New(name).Funcs(texttmpl.FuncMap(funcs)).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return t, nil
}

func execText(t *texttmpl.Template, data map[string]any) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return buf.String(), nil
}
