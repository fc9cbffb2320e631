package jsonsalvage

import "strings"

// latexCommands holds commands whose first letter collides with a JSON escape.
var latexCommands = map[string]struct{}{}

func init() {
	for _, name := range []string{
		"text", "textbf", "textit", "textrm", "texttt", "textsf", "times", "theta", "tau", "tan", "tanh",
		"tilde", "to", "top", "triangle", "therefore", "tfrac", "textstyle", "tag",
		"beta", "bar", "begin", "bf", "binom", "big", "bigl", "bigr", "bigg", "bm", "boldsymbol", "bot",
		"bullet", "backslash", "bmod", "boxed", "bigcup", "bigcap", "bigoplus", "bigotimes", "breve",
		"frac", "forall", "flat", "frak", "fbox",
		"nabla", "neq", "ne", "nu", "not", "newline", "ni", "nonumber", "neg", "notin", "nless", "ngtr",
		"nleq", "ngeq", "nmid", "nparallel", "nsubseteq", "nsupseteq", "nearrow", "nwarrow", "natural",
		"right", "rho", "rangle", "rm", "rightarrow", "rightleftharpoons", "rceil", "rfloor", "rbrace",
		"rvert", "rVert", "restriction",
	} {
		latexCommands[name] = struct{}{}
	}
}

// escapeLaTeX doubles the backslash of LaTeX commands written with a single backslash inside the
// string literals of raw JSON text, so "\text" decodes to a backslash and "text" instead of TAB and
// "ext". Only backslash escapes present in the raw text are touched; literal control characters
// and \u escapes are left for the decoder. Literals without LaTeX markers are copied unchanged.
func escapeLaTeX(text string) string {
	if !strings.Contains(text, `\`) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 8)
	for i := 0; i < len(text); i++ {
		c := text[i]
		b.WriteByte(c)
		if c != '"' {
			continue
		}
		end := literalEnd(text, i+1)
		body := text[i+1 : end]
		if latexBearing(body) {
			body = escapeCommands(body)
		}
		b.WriteString(body)
		if end < len(text) {
			b.WriteByte('"')
		}
		i = end
	}
	return b.String()
}

// literalEnd returns the index of the quote closing the literal that starts at start, or len(text).
func literalEnd(text string, start int) int {
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return len(text)
}

func escapeCommands(body string) string {
	var b strings.Builder
	b.Grow(len(body) + 8)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			b.WriteByte(c)
			continue
		}
		next := body[i+1]
		if strings.IndexByte("tbfnr", next) >= 0 {
			j := i + 2
			for j < len(body) && isASCIILetter(rune(body[j])) {
				j++
			}
			if _, ok := latexCommands[body[i+1:j]]; ok {
				b.WriteString(`\\`)
				b.WriteByte(next)
				i++
				continue
			}
		}
		b.WriteByte(c)
		b.WriteByte(next)
		i++
	}
	return b.String()
}

// latexBearing reports whether a raw literal body carries LaTeX markers or an escaped backslash.
func latexBearing(body string) bool {
	return strings.ContainsAny(body, `$^_{}`) || strings.Contains(body, `\\`)
}

func isASCIILetter(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}
