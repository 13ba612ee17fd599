package render

import (
	"errors"
	"strings"
	"testing"
)

func TestRenderInline(t *testing.T) {
	t.Parallel()
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Render("Hi {{.name}}, you have {{.count}} tasks", "Reminder for {{.name | upper}}", map[string]any{"name": "ada", "count": 3})
	if err != nil {
		t.Fatal(err)
	}
	if out.Body != "Hi ada, you have 3 tasks" || out.Subject != "Reminder for ADA" {
		t.Fatalf("out = %+v", out)
	}
}

func TestRenderNamedWithHTML(t *testing.T) {
	t.Parallel()
	r, err := New(Template{
		Name:    "weekly",
		Subject: "Weekly report",
		Body:    "{{.items}} items",
		HTML:    "<p>{{.items}} items for {{.who}}</p>",
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Render("weekly", "ignored", map[string]any{"items": 4, "who": "<script>"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Subject != "Weekly report" || out.Body != "4 items" {
		t.Fatalf("out = %+v", out)
	}
	if strings.Contains(out.HTML, "<script>") || !strings.Contains(out.HTML, "&lt;script&gt;") {
		t.Fatalf("html not escaped: %s", out.HTML)
	}
}

func TestNamedWithoutSubjectUsesInlineSubject(t *testing.T) {
	t.Parallel()
	r, _ := New(Template{Name: "plain", Body: "body"})
	out, err := r.Render("plain", "Hello {{.who}}", map[string]any{"who": "bob"})
	if err != nil || out.Subject != "Hello bob" {
		t.Fatalf("out = %+v, %v", out, err)
	}
}

func TestMissingKeysRenderEmpty(t *testing.T) {
	t.Parallel()
	r, _ := New()
	out, err := r.Render(`[{{.missing}}] {{default "n/a" .other}}`, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Body != "[<no value>] n/a" && out.Body != "[] n/a" {
		t.Fatalf("body = %q", out.Body)
	}
}

func TestCheckRejectsBrokenTemplates(t *testing.T) {
	t.Parallel()
	r, _ := New()
	if err := r.Check("{{.open", ""); !errors.Is(err, ErrTemplate) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Template{Name: ""}); err == nil {
		t.Fatal("unnamed template accepted")
	}
}
