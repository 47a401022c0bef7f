package files

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Declaration is one top-level declaration with its line range.
type Declaration struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// declPattern matches one kind of top-level declaration. The first capture
// group is the declaration name.
type declPattern struct {
	kind string
	re   *regexp.Regexp
}

type language struct {
	name     string
	patterns []declPattern
}

func pat(kind, expr string) declPattern {
	return declPattern{kind: kind, re: regexp.MustCompile(expr)}
}

// Shared pattern families. Most C-like and scripting languages reduce to a
// handful of shapes.
var (
	cFamilyPatterns = []declPattern{
		pat("function", `^[A-Za-z_][\w\s\*<>,:&]*?\b([A-Za-z_]\w*)\s*\([^;]*$`),
		pat("struct", `^(?:typedef\s+)?struct\s+([A-Za-z_]\w*)`),
		pat("enum", `^(?:typedef\s+)?enum\s+([A-Za-z_]\w*)`),
		pat("union", `^(?:typedef\s+)?union\s+([A-Za-z_]\w*)`),
		pat("define", `^#define\s+([A-Za-z_]\w*)`),
	}
	classFamilyPatterns = []declPattern{
		pat("class", `^\s*(?:public\s+|private\s+|protected\s+|abstract\s+|final\s+|sealed\s+|static\s+|export\s+)*class\s+([A-Za-z_]\w*)`),
		pat("interface", `^\s*(?:public\s+|export\s+)?interface\s+([A-Za-z_]\w*)`),
		pat("enum", `^\s*(?:public\s+|export\s+)?enum\s+([A-Za-z_]\w*)`),
	}
	jsFamilyPatterns = append([]declPattern{
		pat("function", `^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`),
		pat("const", `^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=`),
		pat("type", `^\s*(?:export\s+)?type\s+([A-Za-z_$][\w$]*)`),
	}, classFamilyPatterns...)
	shellPatterns = []declPattern{
		pat("function", `^\s*(?:function\s+)?([A-Za-z_]\w*)\s*\(\)\s*\{?`),
		pat("variable", `^([A-Za-z_]\w*)=`),
	}
	rubyLikePatterns = []declPattern{
		pat("function", `^\s*def\s+(?:self\.)?([A-Za-z_]\w*[?!]?)`),
		pat("class", `^\s*class\s+([A-Za-z_]\w*)`),
		pat("module", `^\s*module\s+([A-Za-z_]\w*)`),
	}
	mlFamilyPatterns = []declPattern{
		pat("function", `^\s*let\s+(?:rec\s+)?([A-Za-z_]\w*)`),
		pat("type", `^\s*type\s+([A-Za-z_]\w*)`),
		pat("module", `^\s*module\s+([A-Za-z_]\w*)`),
	}
	lispFamilyPatterns = []declPattern{
		pat("function", `^\s*\(def[a-z-]*\s+\^?[\w-]*\s*([\w\-\+\*/<>=!?]+)`),
	}
)

// languagesByExt maps a file extension (or exact filename) to its patterns.
var languagesByExt = map[string]language{
	".go": {name: "Go", patterns: []declPattern{
		pat("function", `^func\s+(?:\([^)]*\)\s+)?([A-Za-z_]\w*)`),
		pat("type", `^type\s+([A-Za-z_]\w*)`),
		pat("const", `^const\s+([A-Za-z_]\w*)`),
		pat("var", `^var\s+([A-Za-z_]\w*)`),
	}},
	".py": {name: "Python", patterns: []declPattern{
		pat("function", `^(?:async\s+)?def\s+([A-Za-z_]\w*)`),
		pat("class", `^class\s+([A-Za-z_]\w*)`),
		pat("variable", `^([A-Z_][A-Z0-9_]*)\s*=`),
	}},
	".js":  {name: "JavaScript", patterns: jsFamilyPatterns},
	".jsx": {name: "JavaScript", patterns: jsFamilyPatterns},
	".mjs": {name: "JavaScript", patterns: jsFamilyPatterns},
	".cjs": {name: "JavaScript", patterns: jsFamilyPatterns},
	".ts":  {name: "TypeScript", patterns: jsFamilyPatterns},
	".tsx": {name: "TypeScript", patterns: jsFamilyPatterns},
	".java": {name: "Java", patterns: append([]declPattern{
		pat("method", `^\s+(?:public|private|protected|static|final|synchronized|abstract|\s)+[\w<>\[\],\s]+\s([A-Za-z_]\w*)\s*\([^;]*$`),
	}, classFamilyPatterns...)},
	".kt": {name: "Kotlin", patterns: append([]declPattern{
		pat("function", `^\s*(?:suspend\s+|inline\s+|private\s+|internal\s+)*fun\s+(?:<[^>]+>\s+)?([A-Za-z_]\w*)`),
		pat("object", `^\s*object\s+([A-Za-z_]\w*)`),
		pat("data class", `^\s*(?:data\s+)?class\s+([A-Za-z_]\w*)`),
	}, classFamilyPatterns...)},
	".scala": {name: "Scala", patterns: []declPattern{
		pat("function", `^\s*(?:override\s+)?def\s+([A-Za-z_]\w*)`),
		pat("class", `^\s*(?:case\s+)?class\s+([A-Za-z_]\w*)`),
		pat("object", `^\s*object\s+([A-Za-z_]\w*)`),
		pat("trait", `^\s*trait\s+([A-Za-z_]\w*)`),
	}},
	".c":   {name: "C", patterns: cFamilyPatterns},
	".h":   {name: "C header", patterns: cFamilyPatterns},
	".cpp": {name: "C++", patterns: append(cFamilyPatterns, pat("class", `^class\s+([A-Za-z_]\w*)`), pat("namespace", `^namespace\s+([A-Za-z_]\w*)`))},
	".cc":  {name: "C++", patterns: append(cFamilyPatterns, pat("class", `^class\s+([A-Za-z_]\w*)`))},
	".cxx": {name: "C++", patterns: append(cFamilyPatterns, pat("class", `^class\s+([A-Za-z_]\w*)`))},
	".hpp": {name: "C++ header", patterns: append(cFamilyPatterns, pat("class", `^class\s+([A-Za-z_]\w*)`))},
	".cs": {name: "C#", patterns: append([]declPattern{
		pat("method", `^\s+(?:public|private|protected|internal|static|async|override|virtual|\s)+[\w<>\[\],\s]+\s([A-Za-z_]\w*)\s*\([^;]*$`),
		pat("namespace", `^namespace\s+([\w.]+)`),
		pat("record", `^\s*(?:public\s+)?record\s+([A-Za-z_]\w*)`),
	}, classFamilyPatterns...)},
	".rb": {name: "Ruby", patterns: rubyLikePatterns},
	".rs": {name: "Rust", patterns: []declPattern{
		pat("function", `^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?fn\s+([A-Za-z_]\w*)`),
		pat("struct", `^\s*(?:pub(?:\([^)]*\))?\s+)?struct\s+([A-Za-z_]\w*)`),
		pat("enum", `^\s*(?:pub(?:\([^)]*\))?\s+)?enum\s+([A-Za-z_]\w*)`),
		pat("trait", `^\s*(?:pub(?:\([^)]*\))?\s+)?trait\s+([A-Za-z_]\w*)`),
		pat("impl", `^\s*impl(?:<[^>]+>)?\s+([A-Za-z_]\w*)`),
		pat("macro", `^\s*macro_rules!\s+([A-Za-z_]\w*)`),
	}},
	".php": {name: "PHP", patterns: []declPattern{
		pat("function", `^\s*(?:public\s+|private\s+|protected\s+|static\s+)*function\s+([A-Za-z_]\w*)`),
		pat("class", `^\s*(?:abstract\s+|final\s+)?class\s+([A-Za-z_]\w*)`),
		pat("interface", `^\s*interface\s+([A-Za-z_]\w*)`),
		pat("trait", `^\s*trait\s+([A-Za-z_]\w*)`),
	}},
	".swift": {name: "Swift", patterns: []declPattern{
		pat("function", `^\s*(?:public\s+|private\s+|internal\s+|static\s+|override\s+)*func\s+([A-Za-z_]\w*)`),
		pat("class", `^\s*(?:public\s+|final\s+)*class\s+([A-Za-z_]\w*)`),
		pat("struct", `^\s*(?:public\s+)?struct\s+([A-Za-z_]\w*)`),
		pat("enum", `^\s*(?:public\s+)?enum\s+([A-Za-z_]\w*)`),
		pat("protocol", `^\s*(?:public\s+)?protocol\s+([A-Za-z_]\w*)`),
		pat("extension", `^\s*extension\s+([A-Za-z_]\w*)`),
	}},
	".m": {name: "Objective-C", patterns: []declPattern{
		pat("method", `^[-+]\s*\([^)]+\)\s*([A-Za-z_]\w*)`),
		pat("interface", `^@interface\s+([A-Za-z_]\w*)`),
		pat("implementation", `^@implementation\s+([A-Za-z_]\w*)`),
	}},
	".dart": {name: "Dart", patterns: append([]declPattern{
		pat("function", `^\s*(?:Future<[^>]*>|void|int|double|bool|String|[A-Z]\w*)\s+([a-z_]\w*)\s*\(`),
		pat("mixin", `^\s*mixin\s+([A-Za-z_]\w*)`),
	}, classFamilyPatterns...)},
	".lua": {name: "Lua", patterns: []declPattern{
		pat("function", `^\s*(?:local\s+)?function\s+([\w.:]+)`),
		pat("variable", `^local\s+([A-Za-z_]\w*)\s*=`),
	}},
	".pl": {name: "Perl", patterns: []declPattern{
		pat("function", `^\s*sub\s+([A-Za-z_]\w*)`),
		pat("package", `^package\s+([\w:]+)`),
	}},
	".pm": {name: "Perl", patterns: []declPattern{
		pat("function", `^\s*sub\s+([A-Za-z_]\w*)`),
		pat("package", `^package\s+([\w:]+)`),
	}},
	".r": {name: "R", patterns: []declPattern{
		pat("function", `^([A-Za-z_.][\w.]*)\s*(?:<-|=)\s*function`),
	}},
	".jl": {name: "Julia", patterns: []declPattern{
		pat("function", `^function\s+([A-Za-z_!]\w*[!]?)`),
		pat("struct", `^(?:mutable\s+)?struct\s+([A-Za-z_]\w*)`),
		pat("macro", `^macro\s+([A-Za-z_]\w*)`),
	}},
	".hs": {name: "Haskell", patterns: []declPattern{
		pat("function", `^([a-z_]\w*)\s*::`),
		pat("data", `^data\s+([A-Z]\w*)`),
		pat("newtype", `^newtype\s+([A-Z]\w*)`),
		pat("class", `^class\s+(?:[\w\s,()=>]+=>\s*)?([A-Z]\w*)`),
	}},
	".ex": {name: "Elixir", patterns: []declPattern{
		pat("function", `^\s*defp?\s+([a-z_]\w*[?!]?)`),
		pat("module", `^\s*defmodule\s+([\w.]+)`),
	}},
	".exs": {name: "Elixir", patterns: []declPattern{
		pat("function", `^\s*defp?\s+([a-z_]\w*[?!]?)`),
		pat("module", `^\s*defmodule\s+([\w.]+)`),
	}},
	".erl": {name: "Erlang", patterns: []declPattern{
		pat("function", `^([a-z]\w*)\(`),
		pat("module", `^-module\(([a-z]\w*)\)`),
	}},
	".clj":  {name: "Clojure", patterns: lispFamilyPatterns},
	".cljs": {name: "ClojureScript", patterns: lispFamilyPatterns},
	".edn":  {name: "Clojure", patterns: lispFamilyPatterns},
	".el":   {name: "Emacs Lisp", patterns: lispFamilyPatterns},
	".lisp": {name: "Common Lisp", patterns: lispFamilyPatterns},
	".scm":  {name: "Scheme", patterns: []declPattern{pat("function", `^\s*\(define\s+\(?([\w\-\+\*/<>=!?]+)`)}},
	".ml":   {name: "OCaml", patterns: mlFamilyPatterns},
	".mli":  {name: "OCaml", patterns: mlFamilyPatterns},
	".fs":   {name: "F#", patterns: mlFamilyPatterns},
	".fsx":  {name: "F#", patterns: mlFamilyPatterns},
	".elm": {name: "Elm", patterns: []declPattern{
		pat("function", `^([a-z]\w*)\s*:`),
		pat("type", `^type\s+(?:alias\s+)?([A-Z]\w*)`),
	}},
	".nim": {name: "Nim", patterns: []declPattern{
		pat("function", `^proc\s+([A-Za-z_]\w*)`),
		pat("type", `^type\s*$|^\s{2}([A-Z]\w*)\s*=`),
	}},
	".zig": {name: "Zig", patterns: []declPattern{
		pat("function", `^\s*(?:pub\s+)?fn\s+([A-Za-z_]\w*)`),
		pat("const", `^\s*(?:pub\s+)?const\s+([A-Za-z_]\w*)`),
	}},
	".v": {name: "V", patterns: []declPattern{
		pat("function", `^(?:pub\s+)?fn\s+(?:\([^)]*\)\s+)?([A-Za-z_]\w*)`),
		pat("struct", `^(?:pub\s+)?struct\s+([A-Za-z_]\w*)`),
	}},
	".groovy": {name: "Groovy", patterns: append([]declPattern{
		pat("function", `^\s*(?:def|void|String|int|boolean)\s+([A-Za-z_]\w*)\s*\(`),
	}, classFamilyPatterns...)},
	".gradle": {name: "Gradle", patterns: []declPattern{
		pat("task", `^task\s+([A-Za-z_]\w*)`),
		pat("block", `^([a-z][\w.]*)\s*\{`),
	}},
	".sh":   {name: "Shell", patterns: shellPatterns},
	".bash": {name: "Shell", patterns: shellPatterns},
	".zsh":  {name: "Shell", patterns: shellPatterns},
	".fish": {name: "Fish", patterns: []declPattern{pat("function", `^function\s+([\w\-]+)`)}},
	".ps1": {name: "PowerShell", patterns: []declPattern{
		pat("function", `^function\s+([\w\-]+)`),
	}},
	".bat": {name: "Batch", patterns: []declPattern{pat("label", `^:([A-Za-z_]\w*)`)}},
	".sql": {name: "SQL", patterns: []declPattern{
		pat("table", `(?i)^\s*create\s+table\s+(?:if\s+not\s+exists\s+)?["` + "`" + `]?([\w.]+)`),
		pat("view", `(?i)^\s*create\s+(?:or\s+replace\s+)?view\s+([\w.]+)`),
		pat("function", `(?i)^\s*create\s+(?:or\s+replace\s+)?function\s+([\w.]+)`),
		pat("index", `(?i)^\s*create\s+(?:unique\s+)?index\s+(?:if\s+not\s+exists\s+)?([\w.]+)`),
	}},
	".proto": {name: "Protobuf", patterns: []declPattern{
		pat("message", `^message\s+([A-Za-z_]\w*)`),
		pat("service", `^service\s+([A-Za-z_]\w*)`),
		pat("enum", `^enum\s+([A-Za-z_]\w*)`),
	}},
	".graphql": {name: "GraphQL", patterns: []declPattern{
		pat("type", `^type\s+([A-Za-z_]\w*)`),
		pat("input", `^input\s+([A-Za-z_]\w*)`),
		pat("enum", `^enum\s+([A-Za-z_]\w*)`),
	}},
	".tf": {name: "Terraform", patterns: []declPattern{
		pat("resource", `^resource\s+"[^"]+"\s+"([^"]+)"`),
		pat("variable", `^variable\s+"([^"]+)"`),
		pat("module", `^module\s+"([^"]+)"`),
		pat("output", `^output\s+"([^"]+)"`),
	}},
	".vue": {name: "Vue", patterns: jsFamilyPatterns},
	".svelte": {name: "Svelte", patterns: append([]declPattern{},
		jsFamilyPatterns...)},
	".css":  {name: "CSS", patterns: []declPattern{pat("rule", `^([.#]?[\w\-\[\]="']+(?:\s*[,>]\s*[\w.#\-]+)*)\s*\{`)}},
	".scss": {name: "SCSS", patterns: []declPattern{pat("rule", `^([.#%]?[\w\-&]+)\s*\{`), pat("mixin", `^@mixin\s+([\w\-]+)`)}},
	".less": {name: "Less", patterns: []declPattern{pat("rule", `^([.#]?[\w\-]+)\s*\{`)}},
	".html": {name: "HTML", patterns: []declPattern{pat("element", `^\s*<(?:div|section|article|main|header|footer|nav|form|table)[^>]*\bid="([^"]+)"`)}},
	".md":   {name: "Markdown", patterns: []declPattern{pat("heading", `^#+\s+(.+)$`)}},
	".rst":  {name: "reStructuredText", patterns: []declPattern{pat("directive", `^\.\.\s+([\w:]+)::`)}},
	".yaml": {name: "YAML", patterns: []declPattern{pat("key", `^([A-Za-z_][\w\-]*):`)}},
	".yml":  {name: "YAML", patterns: []declPattern{pat("key", `^([A-Za-z_][\w\-]*):`)}},
	".toml": {name: "TOML", patterns: []declPattern{pat("section", `^\[+([^\]]+)\]+`)}},
	".ini":  {name: "INI", patterns: []declPattern{pat("section", `^\[([^\]]+)\]`)}},
	".ada":  {name: "Ada", patterns: []declPattern{pat("function", `(?i)^\s*(?:procedure|function)\s+([A-Za-z_]\w*)`), pat("package", `(?i)^\s*package\s+(?:body\s+)?([A-Za-z_.]\w*)`)}},
	".pas":  {name: "Pascal", patterns: []declPattern{pat("function", `(?i)^\s*(?:procedure|function)\s+([A-Za-z_]\w*)`)}},
	".f90":  {name: "Fortran", patterns: []declPattern{pat("function", `(?i)^\s*(?:subroutine|function)\s+([A-Za-z_]\w*)`), pat("module", `(?i)^\s*module\s+([A-Za-z_]\w*)`)}},
	".vb":   {name: "Visual Basic", patterns: []declPattern{pat("function", `(?i)^\s*(?:public\s+|private\s+)?(?:sub|function)\s+([A-Za-z_]\w*)`)}},
	".d":    {name: "D", patterns: cFamilyPatterns},
	".cr": {name: "Crystal", patterns: rubyLikePatterns},
	".cmake": {name: "CMake", patterns: []declPattern{pat("function", `(?i)^\s*(?:function|macro)\s*\(\s*([A-Za-z_]\w*)`)}},
}

// exact filenames without useful extensions.
var languagesByFilename = map[string]language{
	"Makefile":   {name: "Make", patterns: []declPattern{pat("target", `^([\w\-./]+):`)}},
	"makefile":   {name: "Make", patterns: []declPattern{pat("target", `^([\w\-./]+):`)}},
	"Dockerfile": {name: "Dockerfile", patterns: []declPattern{pat("stage", `(?i)^from\s+\S+\s+as\s+(\S+)`), pat("instruction", `^(FROM|ENTRYPOINT|CMD)\b`)}},
	"CMakeLists.txt": {name: "CMake", patterns: []declPattern{
		pat("function", `(?i)^\s*(?:function|macro)\s*\(\s*([A-Za-z_]\w*)`),
		pat("target", `(?i)^\s*add_(?:executable|library)\s*\(\s*([A-Za-z_]\w*)`),
	}},
}

// languageFor picks the declaration patterns for path, or false when the file
// type is not recognized.
func languageFor(path string) (language, bool) {
	base := filepath.Base(path)
	if lang, ok := languagesByFilename[base]; ok {
		return lang, true
	}
	lang, ok := languagesByExt[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// Structure scans content and returns top-level declarations with line
// ranges. Each declaration runs until the line before the next one.
func Structure(path, content string) (string, []Declaration, error) {
	lang, ok := languageFor(path)
	if !ok {
		return "", nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}

	var decls []Declaration
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, p := range lang.patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name := ""
			if len(m) > 1 {
				name = strings.TrimSpace(m[1])
			}
			if name == "" {
				name = strings.TrimSpace(m[0])
			}
			decls = append(decls, Declaration{Kind: p.kind, Name: name, StartLine: lineNo})
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("scan content: %w", err)
	}

	for i := range decls {
		if i+1 < len(decls) {
			decls[i].EndLine = decls[i+1].StartLine - 1
		} else {
			decls[i].EndLine = lineNo
		}
	}
	return lang.name, decls, nil
}
