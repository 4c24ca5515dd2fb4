package script

import (
	"fmt"
	"strings"
)

// part is a piece of a shell word: literal text or an environment variable.
type part struct {
	text string
	env  bool
}

// word is one command argument, rendered with the quoting of a dialect.
type word []part

func lit(s string) word    { return word{{text: s}} }
func envVar(n string) word { return word{{text: n, env: true}} }

func (w word) plus(o word) word {
	out := make(word, 0, len(w)+len(o))
	return append(append(out, w...), o...)
}

// dialect renders commands for one shell.
type dialect interface {
	ext() string
	preamble(requiredEnv []string) []string
	comment(text string) string
	setVar(name string, value word) string
	quote(w word) string
	// run renders a command that aborts the script when it fails.
	run(cmd []word) string
	// record renders a command that appends text to the file named by
	// listVar when it succeeds and lets the script go on when it fails.
	record(cmd []word, text, listVar string) string
	newList(listVar string, block int) []string
	removeList(listVar string) string
	// failIfLocked renders a check that exits with status 2 when probe
	// prints "true" (printsTrue) or exits with status 0 (!printsTrue).
	failIfLocked(probe []word, printsTrue bool, message string) []string
}

func renderCmd(d dialect, cmd []word) string {
	parts := make([]string, len(cmd))
	for i, w := range cmd {
		parts[i] = d.quote(w)
	}
	return strings.Join(parts, " ")
}

// posix renders /bin/sh scripts.
type posix struct{}

func (posix) ext() string { return ".sh" }

func (posix) preamble(requiredEnv []string) []string {
	lines := []string{"#!/bin/sh", "set -eu"}
	for _, name := range requiredEnv {
		lines = append(lines, fmt.Sprintf(`: "${%s:?set %s before running this script}"`, name, name))
	}
	return lines
}

func (posix) comment(text string) string { return "# " + text }

func (d posix) setVar(name string, value word) string {
	return name + "=" + d.quote(value)
}

func (posix) quote(w word) string {
	var b strings.Builder
	for _, p := range w {
		if p.env {
			b.WriteString(`"$` + p.text + `"`)
			continue
		}
		b.WriteString(shQuote(p.text))
	}
	return b.String()
}

func (d posix) run(cmd []word) string { return renderCmd(d, cmd) }

func (d posix) record(cmd []word, text, listVar string) string {
	return fmt.Sprintf(`%s && echo %s >> "$%s"`, renderCmd(d, cmd), shQuote(text), listVar)
}

func (posix) newList(listVar string, _ int) []string {
	return []string{fmt.Sprintf(`%s=$(mktemp)`, listVar)}
}

func (posix) removeList(listVar string) string {
	return fmt.Sprintf(`rm -f "$%s"`, listVar)
}

func (d posix) failIfLocked(probe []word, printsTrue bool, message string) []string {
	cond := fmt.Sprintf(`[ "$(%s)" = "true" ]`, renderCmd(d, probe))
	if !printsTrue {
		cond = renderCmd(d, probe) + " >/dev/null 2>&1"
	}
	return []string{
		"if " + cond + "; then",
		"  echo " + shQuote(message) + " >&2",
		"  exit 2",
		"fi",
	}
}

// shQuote wraps s in single quotes unless it only holds characters the
// shell never interprets.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.Trim(s, shSafe) == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

const shSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_./:=@%+,-"


// cmdShell renders Windows batch files.
type cmdShell struct{}

func (cmdShell) ext() string { return ".cmd" }

func (cmdShell) preamble(requiredEnv []string) []string {
	lines := []string{"@echo off", "setlocal"}
	for _, name := range requiredEnv {
		lines = append(lines,
			fmt.Sprintf(`if "%%%s%%"=="" (`, name),
			fmt.Sprintf("  echo set %s before running this script 1>&2", name),
			"  exit /b 3",
			")")
	}
	return lines
}

func (cmdShell) comment(text string) string { return "rem " + text }

func (d cmdShell) setVar(name string, value word) string {
	return fmt.Sprintf(`set "%s=%s"`, name, d.bare(value))
}

// bare renders w without the surrounding quotes.
func (cmdShell) bare(w word) string {
	var b strings.Builder
	for _, p := range w {
		if p.env {
			b.WriteString("%" + p.text + "%")
			continue
		}
		b.WriteString(strings.ReplaceAll(p.text, "%", "%%"))
	}
	return b.String()
}

func (d cmdShell) quote(w word) string {
	s := d.bare(w)
	if len(w) == 1 && !w[0].env && s != "" && !strings.ContainsAny(s, " \t&|<>^()=;,") {
		return s
	}
	return `"` + s + `"`
}

func (d cmdShell) run(cmd []word) string {
	return "call " + renderCmd(d, cmd) + " || exit /b 1"
}

func (d cmdShell) record(cmd []word, text, listVar string) string {
	return fmt.Sprintf(`call %s && (echo %s)>> "%%%s%%"`, renderCmd(d, cmd), cmdEcho(text), listVar)
}

func (cmdShell) newList(listVar string, block int) []string {
	return []string{
		fmt.Sprintf(`set "%s=%%TEMP%%\sitesync-block-%d-%%RANDOM%%.txt"`, listVar, block),
		fmt.Sprintf(`type nul > "%%%s%%"`, listVar),
	}
}

func (cmdShell) removeList(listVar string) string {
	return fmt.Sprintf(`del "%%%s%%"`, listVar)
}

func (d cmdShell) failIfLocked(probe []word, printsTrue bool, message string) []string {
	exit := []string{
		"  echo " + cmdEcho(message) + " 1>&2",
		"  exit /b 2",
		")",
	}
	if printsTrue {
		head := fmt.Sprintf("for /f \"usebackq delims=\" %%%%i in (`call %s`) do if \"%%%%i\"==\"true\" (", renderCmd(d, probe))
		return append([]string{head}, exit...)
	}
	head := fmt.Sprintf("call %s >nul 2>&1 && (", renderCmd(d, probe))
	return append([]string{head}, exit...)
}

// cmdEcho escapes the characters echo would otherwise interpret.
func cmdEcho(s string) string {
	r := strings.NewReplacer("^", "^^", "&", "^&", "|", "^|", "<", "^<", ">", "^>", "(", "^(", ")", "^)", "%", "%%")
	return r.Replace(s)
}
