package vm

import (
	"fmt"
	"strings"
)

// Inspector provides debugging inspection of lumen Values. It follows table
// fields recursively, up to a depth limit, and never allocates, so it is safe
// to use at any point including from a gc handler.
type Inspector struct {
	s *State
}

// InspectionResult contains structured information about an inspected value.
type InspectionResult struct {
	Type     string       // Value type: nil, number, string, table, function, native, userdata
	Value    string       // String representation of the value
	Tag      Tag          // Fallback tag of the value
	Source   string       // For functions: source name and line
	Size     int          // For tables: number of live bindings
	Fields   []*FieldInfo // For tables: preview of bindings (limited)
	Payload  string       // For userdata: Go type of the payload
	Elided   bool         // For tables: nested fields were not followed
	Recursed bool         // For tables: the table is already being inspected higher up
}

// FieldInfo is one binding of an inspected table.
type FieldInfo struct {
	Key   string
	Value *InspectionResult
}

// MaxElementPreview is the maximum number of table fields to preview.
const MaxElementPreview = 10

// DefaultMaxDepth is the default recursion depth for inspection.
const DefaultMaxDepth = 3

// NewInspector creates a new Inspector attached to the given State.
func NewInspector(s *State) *Inspector {
	return &Inspector{s: s}
}

// Inspect inspects a value with the default maximum depth.
func (i *Inspector) Inspect(v Value) *InspectionResult {
	return i.InspectDepth(v, DefaultMaxDepth)
}

// InspectDepth inspects a value with a specified maximum recursion depth.
// When depth reaches 0, nested tables are shown as summaries only.
func (i *Inspector) InspectDepth(v Value, depth int) *InspectionResult {
	return i.inspect(v, depth, nil)
}

func (i *Inspector) inspect(v Value, depth int, open map[Value]bool) *InspectionResult {
	s := i.s
	result := &InspectionResult{
		Type: v.Type().String(),
		Tag:  s.TagOf(v),
	}

	switch v.Type() {
	case TypeString:
		result.Value = s.quote(v)

	case TypeFunction:
		result.Value = s.ToString(v)
		if p, ok := s.Prototype(v); ok {
			result.Source = fmt.Sprintf("%s:%d", s.SourceName(p), p.Line)
		}

	case TypeUserdata:
		result.Value = s.ToString(v)
		if payload, _, ok := s.Userdata(v); ok {
			result.Payload = fmt.Sprintf("%T", payload)
		}

	case TypeTable:
		result.Value = s.ToString(v)
		i.inspectTable(v, depth, open, result)

	default:
		result.Value = s.ToString(v)
	}
	return result
}

func (i *Inspector) inspectTable(t Value, depth int, open map[Value]bool, result *InspectionResult) {
	s := i.s
	result.Size = s.Len(t)
	if open[t] {
		result.Recursed = true
		return
	}
	if depth <= 0 {
		result.Elided = result.Size > 0
		return
	}
	if open == nil {
		open = make(map[Value]bool)
	}
	open[t] = true
	defer delete(open, t)

	k, v, ok := s.Next(t, Nil)
	for ok && len(result.Fields) < MaxElementPreview {
		result.Fields = append(result.Fields, &FieldInfo{
			Key:   s.quote(k),
			Value: i.inspect(v, depth-1, open),
		})
		k, v, ok = s.Next(t, k)
	}
}

// String returns a multi-line representation showing one level of fields.
func (r *InspectionResult) String() string {
	var sb strings.Builder
	r.writeHeader(&sb, "")
	r.writeFields(&sb, "", func(f *FieldInfo) {
		sb.WriteString(": ")
		sb.WriteString(f.Value.Value)
		sb.WriteString("\n")
	})
	return sb.String()
}

// PrettyPrint returns a detailed multi-line representation with full nesting.
func (r *InspectionResult) PrettyPrint() string {
	return r.prettyPrintWithIndent(0)
}

func (r *InspectionResult) prettyPrintWithIndent(indent int) string {
	var sb strings.Builder
	prefix := strings.Repeat("  ", indent)
	r.writeHeader(&sb, prefix)
	r.writeFields(&sb, prefix, func(f *FieldInfo) {
		sb.WriteString(":\n")
		sb.WriteString(f.Value.prettyPrintWithIndent(indent + 3))
	})
	return sb.String()
}

func (r *InspectionResult) writeHeader(sb *strings.Builder, prefix string) {
	sb.WriteString(prefix)
	sb.WriteString(r.Type)
	sb.WriteString(": ")
	sb.WriteString(r.Value)
	sb.WriteString("\n")

	if r.Tag > TagGeneric {
		fmt.Fprintf(sb, "%s  tag: %d\n", prefix, r.Tag)
	}
	if r.Source != "" {
		fmt.Fprintf(sb, "%s  defined at: %s\n", prefix, r.Source)
	}
	if r.Payload != "" {
		fmt.Fprintf(sb, "%s  payload: %s\n", prefix, r.Payload)
	}
	if r.Recursed {
		fmt.Fprintf(sb, "%s  <recursive>\n", prefix)
	}
	if r.Elided {
		fmt.Fprintf(sb, "%s  fields: %d (not shown)\n", prefix, r.Size)
	}
}

func (r *InspectionResult) writeFields(sb *strings.Builder, prefix string, value func(*FieldInfo)) {
	if len(r.Fields) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s  fields (showing %d of %d):\n", prefix, len(r.Fields), r.Size)
	for _, f := range r.Fields {
		sb.WriteString(prefix)
		sb.WriteString("    [")
		sb.WriteString(f.Key)
		sb.WriteString("]")
		value(f)
	}
}
