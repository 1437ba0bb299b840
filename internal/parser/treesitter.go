package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// unitNodeTypes maps a language's AST node types to unit kinds.
var unitNodeTypes = map[string]map[string]kindRule{
	"go": {
		"function_declaration": {kind: "function"},
		"method_declaration":   {kind: "method"},
		"type_declaration":     {kind: "class", nameField: ""},
	},
	"python": {
		"function_definition": {kind: "function", methodInsideClass: true},
		"class_definition":    {kind: "class"},
	},
	"javascript": {
		"function_declaration": {kind: "function"},
		"class_declaration":    {kind: "class"},
		"method_definition":    {kind: "method"},
	},
	"typescript": {
		"function_declaration": {kind: "function"},
		"class_declaration":    {kind: "class"},
		"method_definition":    {kind: "method"},
		"interface_declaration": {kind: "class"},
	},
}

type kindRule struct {
	kind string
	// nameField overrides the default "name" field lookup.
	nameField string
	// methodInsideClass promotes the kind to method when an ancestor is
	// a class definition (python nests methods as function_definition).
	methodInsideClass bool
}

// TreeSitterParser is the default Parser implementation.
type TreeSitterParser struct {
	// tree-sitter parsers are not safe for concurrent use; one per
	// invocation is cheap, but the language objects are shared.
	mu sync.Mutex
}

// NewTreeSitter creates the default parser.
func NewTreeSitter() *TreeSitterParser {
	return &TreeSitterParser{}
}

func grammarFor(language string) *sitter.Language {
	switch language {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// Parse extracts semantic units from a source file.
func (p *TreeSitterParser) Parse(ctx context.Context, path string, content []byte) ([]SemanticUnit, bool, error) {
	language, ok := LanguageForPath(path)
	if !ok {
		return nil, false, nil
	}
	grammar := grammarFor(language)
	if grammar == nil {
		return nil, false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, true, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	rules := unitNodeTypes[language]
	var units []SemanticUnit
	collectUnits(tree.RootNode(), content, language, rules, false, &units)

	// A parseable file with no named units still indexes as one
	// module-level block, so the file remains searchable.
	if len(units) == 0 && len(strings.TrimSpace(string(content))) > 0 {
		lines := strings.Count(string(content), "\n") + 1
		units = append(units, SemanticUnit{
			Name:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Kind:      "module",
			Language:  language,
			StartLine: 1,
			EndLine:   lines,
			Body:      string(content),
		})
	}

	return units, true, nil
}

// collectUnits walks the tree depth-first, in document order.
func collectUnits(node *sitter.Node, source []byte, language string, rules map[string]kindRule, insideClass bool, out *[]SemanticUnit) {
	if node == nil {
		return
	}

	childInsideClass := insideClass
	if rule, ok := rules[node.Type()]; ok {
		kind := rule.kind
		if rule.methodInsideClass && insideClass && kind == "function" {
			kind = "method"
		}
		if kind == "class" {
			childInsideClass = true
		}

		name := nodeName(node, source, rule)
		if name != "" {
			*out = append(*out, SemanticUnit{
				Name:      name,
				Kind:      unitKind(kind),
				Language:  language,
				StartLine: int(node.StartPoint().Row) + 1,
				EndLine:   int(node.EndPoint().Row) + 1,
				Body:      node.Content(source),
			})
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		collectUnits(node.NamedChild(i), source, language, rules, childInsideClass, out)
	}
}

func nodeName(node *sitter.Node, source []byte, rule kindRule) string {
	field := rule.nameField
	if field == "" {
		field = "name"
	}
	if n := node.ChildByFieldName(field); n != nil {
		return n.Content(source)
	}
	// Go type_declaration wraps the named type_spec.
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if n := child.ChildByFieldName("name"); n != nil {
			return n.Content(source)
		}
	}
	return ""
}

func unitKind(kind string) memory.UnitKind {
	switch kind {
	case "function":
		return memory.KindFunction
	case "method":
		return memory.KindMethod
	case "class":
		return memory.KindClass
	case "module":
		return memory.KindModule
	default:
		return memory.KindBlock
	}
}
