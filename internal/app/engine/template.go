package engine

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/flosch/pongo2/v6"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// TemplateFormat names a prompt template dialect.
type TemplateFormat string

const (
	// FormatJinja renders Django/Jinja-style templates: {{ name }}
	// placeholders, filters and {% %} blocks.
	FormatJinja TemplateFormat = "jinja"
	// FormatFString substitutes {name} placeholders; {{ and }} are literal
	// braces.
	FormatFString TemplateFormat = "f-string"
	// FormatGo is text/template with missingkey=error.
	FormatGo TemplateFormat = "go"
)

// promptTemplate renders one prompt from named variables.
type promptTemplate interface {
	render(vars map[string]any) (string, error)
}

func compileTemplate(text string, format TemplateFormat) (promptTemplate, error) {
	switch format {
	case FormatJinja, "":
		return compileJinja(text)
	case FormatFString:
		return compileFString(text)
	case FormatGo:
		t, err := template.New("prompt").Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, domain.Configf("parse go template: %v", err)
		}
		return goTemplate{t}, nil
	default:
		return nil, domain.Configf("unknown template format %q (want jinja, f-string or go)", format)
	}
}

// ─── Placeholder templates ──────────────────────────────────────────────────

type segment struct {
	lit  string
	name string // empty for literal segments
}

type placeholderTemplate []segment

func (p placeholderTemplate) render(vars map[string]any) (string, error) {
	var b strings.Builder
	for _, s := range p {
		if s.name == "" {
			b.WriteString(s.lit)
			continue
		}
		v, ok := vars[s.name]
		if !ok {
			return "", fmt.Errorf("%w: variable %q is not defined", domain.ErrFormatting, s.name)
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

// ─── Jinja templates ────────────────────────────────────────────────────────

// jinjaTemplate renders through pongo2 with autoescaping off. pongo2 renders
// undefined variables as empty strings, so the root names a template reads
// are checked before each render.
type jinjaTemplate struct {
	tpl      *pongo2.Template
	required []string
}

func (j jinjaTemplate) render(vars map[string]any) (string, error) {
	for _, name := range j.required {
		if _, ok := vars[name]; !ok {
			return "", fmt.Errorf("%w: variable %q is not defined", domain.ErrFormatting, name)
		}
	}
	out, err := j.tpl.Execute(pongo2.Context(vars))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrFormatting, err)
	}
	return out, nil
}

var (
	jinjaExpr  = regexp.MustCompile(`\{\{-?(.*?)-?\}\}`)
	jinjaRoot  = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)`)
	jinjaFor   = regexp.MustCompile(`\{%-?\s*for\s+(.+?)\s+in\s+([A-Za-z_][A-Za-z0-9_]*)`)
	jinjaBind  = regexp.MustCompile(`\{%-?\s*(?:set|with)\s+([A-Za-z_][A-Za-z0-9_]*)\s*=`)
	jinjaVar   = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*$`)
	jinjaNames = map[string]bool{
		"forloop": true, "loop": true, "true": true, "false": true, "True": true,
		"False": true, "none": true, "None": true, "nil": true, "not": true,
	}
)

func compileJinja(text string) (promptTemplate, error) {
	tpl, err := pongo2.FromString("{% autoescape off %}" + text + "{% endautoescape %}")
	if err != nil {
		return nil, domain.Configf("parse jinja template: %v", err)
	}
	return jinjaTemplate{tpl: tpl, required: jinjaRequired(text)}, nil
}

// jinjaRequired lists the variables a template prints or loops over.
// Names bound by for, set or with, and expressions with a default filter,
// are not required.
func jinjaRequired(text string) []string {
	bound := make(map[string]bool)
	var roots []string
	for _, m := range jinjaFor.FindAllStringSubmatch(text, -1) {
		for _, v := range strings.Split(m[1], ",") {
			bound[strings.TrimSpace(v)] = true
		}
		roots = append(roots, m[2])
	}
	for _, m := range jinjaBind.FindAllStringSubmatch(text, -1) {
		bound[m[1]] = true
	}
	for _, m := range jinjaExpr.FindAllStringSubmatch(text, -1) {
		if strings.Contains(m[1], "default") {
			continue
		}
		if r := jinjaRoot.FindStringSubmatch(m[1]); r != nil {
			roots = append(roots, r[1])
		}
	}

	var required []string
	for _, r := range roots {
		if bound[r] || jinjaNames[r] || slices.Contains(required, r) {
			continue
		}
		required = append(required, r)
	}
	return required
}

func compileFString(text string) (promptTemplate, error) {
	var segs placeholderTemplate
	var lit strings.Builder
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '{' && i+1 < len(text) && text[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(text) && text[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(text[i:], '}')
			if end < 0 {
				return nil, domain.Configf("f-string: unclosed '{' at offset %d", i)
			}
			name := strings.TrimSpace(text[i+1 : i+end])
			if !jinjaVar.MatchString(name) {
				return nil, domain.Configf("f-string: unsupported field {%s}", name)
			}
			if lit.Len() > 0 {
				segs = append(segs, segment{lit: lit.String()})
				lit.Reset()
			}
			segs = append(segs, segment{name: name})
			i += end
		case c == '}':
			return nil, domain.Configf("f-string: single '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		segs = append(segs, segment{lit: lit.String()})
	}
	return segs, nil
}

// ─── Go templates ───────────────────────────────────────────────────────────

type goTemplate struct{ t *template.Template }

func (g goTemplate) render(vars map[string]any) (string, error) {
	var b bytes.Buffer
	if err := g.t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrFormatting, err)
	}
	return b.String(), nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
