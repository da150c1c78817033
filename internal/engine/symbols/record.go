package symbols

import "strings"

type Kind string

const (
	KindClass       Kind = "class"
	KindStruct      Kind = "struct"
	KindUnion       Kind = "union"
	KindEnum        Kind = "enum"
	KindTypeAlias   Kind = "type_alias"
	KindClassTmpl   Kind = "class_template"
	KindFunction    Kind = "function"
	KindMethod      Kind = "method"
	KindConstructor Kind = "constructor"
	KindDestructor  Kind = "destructor"
	KindFuncTmpl    Kind = "function_template"
	KindVariable    Kind = "variable"
)

// Group selects which name index a query runs against.
type Group string

const (
	GroupTypes     Group = "types"
	GroupFunctions Group = "functions"
	GroupAll       Group = "all"
)

func (k Kind) IsType() bool {
	switch k {
	case KindClass, KindStruct, KindUnion, KindEnum, KindTypeAlias, KindClassTmpl:
		return true
	}
	return false
}

func (k Kind) IsFunction() bool {
	switch k {
	case KindFunction, KindMethod, KindConstructor, KindDestructor, KindFuncTmpl:
		return true
	}
	return false
}

// ParseGroup maps user input ("class", "function", "types", ...) to a Group.
func ParseGroup(s string) (Group, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "any":
		return GroupAll, true
	case "type", "types", "class", "classes", "struct":
		return GroupTypes, true
	case "function", "functions", "func", "method", "methods":
		return GroupFunctions, true
	}
	return "", false
}

// Record is one extracted symbol. ID is the stable unique id (USR).
type Record struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	QualifiedName string   `json:"qualified_name,omitempty"`
	Kind          Kind     `json:"kind"`
	File          string   `json:"file"`
	Line          int      `json:"line"`
	Column        int      `json:"column"`
	StartLine     int      `json:"start_line,omitempty"`
	EndLine       int      `json:"end_line,omitempty"`
	Signature     string   `json:"signature,omitempty"`
	Namespace     string   `json:"namespace,omitempty"`
	Access        string   `json:"access,omitempty"`
	ParentType    string   `json:"parent_type,omitempty"`
	BaseTypes     []string `json:"base_types,omitempty"`
	IsProject     bool     `json:"is_project"`
	IsDefinition  bool     `json:"is_definition,omitempty"`
	HeaderFile    string   `json:"header_file,omitempty"`
	Brief         string   `json:"brief,omitempty"`
	Calls         []string `json:"calls,omitempty"`
	CalledBy      []string `json:"called_by,omitempty"`
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (r Record) Clone() Record {
	out := r
	out.BaseTypes = cloneStrings(r.BaseTypes)
	out.Calls = cloneStrings(r.Calls)
	out.CalledBy = cloneStrings(r.CalledBy)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
