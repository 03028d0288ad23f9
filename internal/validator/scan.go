package validator

import (
	"strings"
)

// scanResult is the shell-level view of a command string. Only quoting,
// escapes and control operators are understood; nothing is expanded.
type scanResult struct {
	normalized string     // trimmed, unquoted whitespace collapsed, trailing ';' dropped
	stages     [][]string // pipeline stages, each a list of dequoted words
	operator   string     // first chaining operator found outside single quotes
	err        string     // lexical error (unterminated quote or escape)
}

// scan walks cmd once, tracking single/double quotes and backslash escapes.
func scan(cmd string) scanResult {
	var (
		res      scanResult
		out      strings.Builder
		word     strings.Builder
		inWord   bool
		stage    []string
		single   bool
		double   bool
		pendingW bool // unquoted whitespace seen, not yet written
	)

	runes := []rune(strings.TrimSpace(cmd))

	flushWord := func() {
		if inWord {
			stage = append(stage, word.String())
			word.Reset()
			inWord = false
		}
	}
	flushStage := func() {
		flushWord()
		res.stages = append(res.stages, stage)
		stage = nil
	}
	emit := func(s string) {
		if pendingW {
			if out.Len() > 0 {
				out.WriteByte(' ')
			}
			pendingW = false
		}
		out.WriteString(s)
	}
	markOp := func(op string) {
		if res.operator == "" {
			res.operator = op
		}
	}
	onlyTrailing := func(from int) bool {
		for _, r := range runes[from:] {
			if r != ';' && r != ' ' && r != '\t' {
				return false
			}
		}
		return true
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case single:
			emit(string(r))
			if r == '\'' {
				single = false
			} else {
				word.WriteRune(r)
			}
			continue

		case r == '\\':
			if i+1 >= len(runes) {
				res.err = "unterminated escape at end of command"
				return res
			}
			emit(string(r) + string(next))
			word.WriteRune(next)
			inWord = true
			i++
			continue

		case double:
			switch r {
			case '"':
				double = false
			case '`':
				markOp("`")
				word.WriteRune(r)
			case '$':
				if next == '(' {
					markOp("$(")
				}
				word.WriteRune(r)
			default:
				word.WriteRune(r)
			}
			emit(string(r))
			continue
		}

		switch r {
		case ' ', '\t':
			flushWord()
			pendingW = true
		case '\'':
			single = true
			inWord = true
			emit(string(r))
		case '"':
			double = true
			inWord = true
			emit(string(r))
		case ';':
			if onlyTrailing(i) {
				i = len(runes)
				continue
			}
			markOp(";")
			flushWord()
			emit(string(r))
		case '&':
			prev := rune(0)
			if i > 0 {
				prev = runes[i-1]
			}
			switch {
			case next == '&':
				markOp("&&")
				emit("&&")
				i++
			case prev == '>' || prev == '<' || next == '>':
				// redirection: 2>&1, &>file
				word.WriteRune(r)
				inWord = true
				emit(string(r))
			default:
				markOp("&")
				flushWord()
				emit(string(r))
			}
		case '|':
			switch next {
			case '|':
				markOp("||")
				emit("||")
				i++
			case '&':
				flushStage()
				emit("|&")
				i++
			default:
				flushStage()
				emit(string(r))
			}
		case '`':
			markOp("`")
			word.WriteRune(r)
			inWord = true
			emit(string(r))
		case '$':
			if next == '(' {
				markOp("$(")
			}
			word.WriteRune(r)
			inWord = true
			emit(string(r))
		case '<', '>':
			if next == '(' {
				markOp(string(r) + "(")
			}
			word.WriteRune(r)
			inWord = true
			emit(string(r))
		default:
			word.WriteRune(r)
			inWord = true
			emit(string(r))
		}
	}

	if single || double {
		res.err = "unterminated quote"
		return res
	}

	flushStage()
	res.normalized = strings.TrimSpace(out.String())
	return res
}
