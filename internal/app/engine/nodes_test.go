package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/llm"
)

func rootInputs(t *testing.T, msg *domain.ControlMessage) Inputs {
	t.Helper()
	task, _ := msg.Task()
	params, err := task.Params()
	if err != nil {
		t.Fatalf("Params() error: %v", err)
	}
	return NewInputs([]string{"root"}, map[string]any{
		"root": Root{Message: msg, Task: task, Params: params},
	})
}

// ─── Extracter ──────────────────────────────────────────────────────────────

func TestExtracterNode(t *testing.T) {
	msg := completionMessage(t, map[string][]any{
		"country": {"France", "Spain"},
		"other":   {1, 2},
	}, "country")

	out, err := NewExtracterNode().Execute(context.Background(), rootInputs(t, msg))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	want := map[string][]any{"country": {"France", "Spain"}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestExtracterNode_MissingColumn(t *testing.T) {
	msg := completionMessage(t, map[string][]any{"country": {"France"}}, "city")
	_, err := NewExtracterNode().Execute(context.Background(), rootInputs(t, msg))
	if !errors.Is(err, domain.ErrResolution) {
		t.Errorf("Execute() error = %v, want ErrResolution", err)
	}
}

func TestManualExtracterNode(t *testing.T) {
	msg := completionMessage(t, map[string][]any{"a": {1}, "b": {2}}, "a")
	out, err := NewManualExtracterNode("b").Execute(context.Background(), rootInputs(t, msg))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if diff := cmp.Diff(map[string][]any{"b": {2}}, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

// ─── Prompt Template ────────────────────────────────────────────────────────

func TestPromptTemplateNode_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format TemplateFormat
		text   string
	}{
		{"jinja", FormatJinja, "Capital of {{ country }} in {{lang}}?"},
		{"f-string", FormatFString, "Capital of {country} in {lang}?"},
		{"go", FormatGo, "Capital of {{.country}} in {{.lang}}?"},
	}
	in := NewInputs([]string{"extracter", "lang"}, map[string]any{
		"extracter": map[string][]any{"country": {"France", "Spain"}},
		"lang":      "English",
	})
	want := []string{"Capital of France in English?", "Capital of Spain in English?"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := NewPromptTemplateNode(tt.text, tt.format)
			if err != nil {
				t.Fatalf("NewPromptTemplateNode() error: %v", err)
			}
			out, err := node.Execute(context.Background(), in)
			if err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if diff := cmp.Diff(want, out); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPromptTemplateNode_FStringEscapes(t *testing.T) {
	node, err := NewPromptTemplateNode(`{{"q": "{q}"}}`, FormatFString)
	if err != nil {
		t.Fatalf("NewPromptTemplateNode() error: %v", err)
	}
	out, err := node.Execute(context.Background(), NewInputs([]string{"q"}, map[string]any{"q": []string{"x"}}))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if diff := cmp.Diff([]string{`{"q": "x"}`}, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPromptTemplateNode_MissingVariable(t *testing.T) {
	for _, format := range []TemplateFormat{FormatJinja, FormatFString, FormatGo} {
		t.Run(string(format), func(t *testing.T) {
			text := map[TemplateFormat]string{
				FormatJinja:   "{{ missing }}",
				FormatFString: "{missing}",
				FormatGo:      "{{.missing}}",
			}[format]
			node, err := NewPromptTemplateNode(text, format)
			if err != nil {
				t.Fatalf("NewPromptTemplateNode() error: %v", err)
			}
			_, err = node.Execute(context.Background(), NewInputs([]string{"a"}, map[string]any{"a": []any{"x"}}))
			if !errors.Is(err, domain.ErrFormatting) {
				t.Fatalf("Execute() error = %v, want ErrFormatting", err)
			}
			var itemErr *domain.ItemError
			if !errors.As(err, &itemErr) || itemErr.Index != 0 {
				t.Errorf("Execute() error = %v, want ItemError at index 0", err)
			}
		})
	}
}

func TestPromptTemplateNode_JinjaBlocksAndFilters(t *testing.T) {
	node, err := NewPromptTemplateNode(
		"{{ country|upper }}:{% for c in cities %} {{ c }}{% endfor %}{% if note %} ({{ note }}){% endif %}",
		FormatJinja)
	if err != nil {
		t.Fatalf("NewPromptTemplateNode() error: %v", err)
	}
	in := NewInputs([]string{"country", "cities", "note"}, map[string]any{
		"country": []any{"france", "spain"},
		"cities":  []any{[]any{"Paris", "Lyon"}, []any{"Madrid"}},
		"note":    []any{"", "O'Brien & co"},
	})
	out, err := node.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	want := []string{"FRANCE: Paris Lyon", "SPAIN: Madrid (O'Brien & co)"}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPromptTemplateNode_JinjaMissingLoopSource(t *testing.T) {
	node, err := NewPromptTemplateNode("{% for c in cities %}{{ c }}{% endfor %}", FormatJinja)
	if err != nil {
		t.Fatalf("NewPromptTemplateNode() error: %v", err)
	}
	in := NewInputs([]string{"country"}, map[string]any{"country": []any{"France", "Spain"}})
	_, err = node.Execute(context.Background(), in)
	if !errors.Is(err, domain.ErrFormatting) {
		t.Fatalf("Execute() error = %v, want ErrFormatting", err)
	}
	var itemErr *domain.ItemError
	if !errors.As(err, &itemErr) || itemErr.Index != 0 {
		t.Errorf("Execute() error = %v, want ItemError at index 0", err)
	}
}

func TestJinjaRequired(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"{{ country }} {{country|upper}}", []string{"country"}},
		{"{% for c in cities %}{{ c }}{{ forloop.Counter }}{% endfor %}", []string{"cities"}},
		{"{{ note|default:\"none\" }}", nil},
		{"{% with n=\"x\" %}{{ n }}{% endwith %}", nil},
		{"{{ user.name }}", []string{"user"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, jinjaRequired(tt.text)); diff != "" {
			t.Errorf("jinjaRequired(%q) mismatch (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestPromptTemplateNode_Misaligned(t *testing.T) {
	node, _ := NewPromptTemplateNode("{{a}} {{b}}", FormatJinja)
	in := NewInputs([]string{"a", "b"}, map[string]any{"a": []any{1, 2}, "b": []any{1}})
	if _, err := node.Execute(context.Background(), in); !errors.Is(err, domain.ErrShapeMismatch) {
		t.Errorf("Execute() error = %v, want ErrShapeMismatch", err)
	}
}

func TestNewPromptTemplateNode_Invalid(t *testing.T) {
	tests := []struct {
		text   string
		format TemplateFormat
	}{
		{"{% for x in xs %}{{ x }}", FormatJinja},
		{"{{ a|nosuchfilter }}", FormatJinja},
		{"{unclosed", FormatFString},
		{"stray }", FormatFString},
		{"{{.a", FormatGo},
		{"x", "mustache"},
	}
	for _, tt := range tests {
		if _, err := NewPromptTemplateNode(tt.text, tt.format); !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("NewPromptTemplateNode(%q, %s) error = %v, want ErrConfiguration", tt.text, tt.format, err)
		}
	}
}

// ─── LLM Generate ───────────────────────────────────────────────────────────

func TestLLMGenerateNode_MapsSingleInput(t *testing.T) {
	svc := llm.NewMockService()
	svc.SetResponse("p1", "r1")
	client, _ := svc.GetClient("m", nil)

	out, err := NewLLMGenerateNode(client).Execute(context.Background(),
		NewInputs([]string{"prompts"}, map[string]any{"prompts": []string{"p1"}}))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if diff := cmp.Diff([]any{"r1"}, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestLLMGenerateNode_NonStringPrompt(t *testing.T) {
	client, _ := llm.NewMockService().GetClient("m", nil)
	_, err := NewLLMGenerateNode(client).Execute(context.Background(),
		NewInputs([]string{"prompt"}, map[string]any{"prompt": []any{"ok", 3}}))
	var itemErr *domain.ItemError
	if !errors.As(err, &itemErr) || itemErr.Index != 1 {
		t.Errorf("Execute() error = %v, want ItemError at index 1", err)
	}
}

// ─── Inputs ─────────────────────────────────────────────────────────────────

func TestParseRef(t *testing.T) {
	tests := []struct {
		spec  string
		param string
		kind  refKind
		node  string
		key   string
	}{
		{"$root", "root", refRoot, "", ""},
		{"msg=$root", "msg", refRoot, "", ""},
		{"$task/input_keys", "input_keys", refTask, "", "input_keys"},
		{"/extracter", "extracter", refNode, "extracter", ""},
		{"/extracter/country", "country", refNode, "extracter", "country"},
		{"c=/extracter/country", "c", refNode, "extracter", "country"},
	}
	for _, tt := range tests {
		r, err := parseRef(tt.spec)
		if err != nil {
			t.Fatalf("parseRef(%q) error: %v", tt.spec, err)
		}
		if r.param != tt.param || r.kind != tt.kind || r.node != tt.node || r.key != tt.key {
			t.Errorf("parseRef(%q) = %+v", tt.spec, r)
		}
	}
}

func TestResolve_MapKey(t *testing.T) {
	refs, err := parseRefs([]string{"/ext/country"})
	if err != nil {
		t.Fatalf("parseRefs() error: %v", err)
	}
	outputs := map[string]any{"ext": map[string][]any{"country": {"France"}}}
	in, err := resolve(refs, Root{}, outputs)
	if err != nil {
		t.Fatalf("resolve() error: %v", err)
	}
	v, _ := in.Get("country")
	if diff := cmp.Diff([]any{"France"}, v); diff != "" {
		t.Errorf("country mismatch (-want +got):\n%s", diff)
	}

	refs, _ = parseRefs([]string{"/ext/city"})
	if _, err := resolve(refs, Root{}, outputs); !errors.Is(err, domain.ErrResolution) {
		t.Errorf("resolve() error = %v, want ErrResolution", err)
	}
}

func TestSimpleTaskHandler_OutputColumnFromTask(t *testing.T) {
	df, _ := domain.NewDataFrame(map[string][]any{"q": {"a"}})
	msg := domain.NewControlMessage(df)
	_ = msg.SetTask(domain.NewTask(domain.TaskCompletion, map[string]any{
		"input_keys":    []any{"q"},
		"output_column": "answer",
	}))

	_, err := NewSimpleTaskHandler().Handle(context.Background(), msg,
		NewInputs([]string{"llm"}, map[string]any{"llm": []any{"A"}}))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if !msg.Payload().HasColumn("answer") {
		t.Errorf("Columns() = %v, want an answer column", msg.Payload().Columns())
	}
}
