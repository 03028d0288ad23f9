// Package validator decides whether a shell command may be sent to a sandbox.
// It only inspects the string: nothing is executed or expanded.
package validator

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"
)

const DefaultMaxLength = 4096

// Result is the outcome of validating one command. When IsValid is true,
// Command holds the (possibly rewritten) command to execute.
type Result struct {
	IsValid bool   `json:"is_valid"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

func reject(rule, reason string) Result {
	return Result{Rule: rule, Reason: reason}
}

type Validator struct {
	policy atomic.Pointer[Policy]
}

// New returns a Validator using p, or the default policy when p is nil.
func New(p *Policy) *Validator {
	v := &Validator{}
	if p == nil {
		p = DefaultPolicy()
	}
	v.policy.Store(p)
	return v
}

// SetPolicy swaps the active policy. In-flight validations keep the
// snapshot they started with.
func (v *Validator) SetPolicy(p *Policy) {
	v.policy.Store(p)
}

func (v *Validator) Policy() *Policy {
	return v.policy.Load()
}

// Validate accepts or rejects cmd. Accepted commands are trimmed, have
// unquoted whitespace runs collapsed and a trailing ';' removed; running
// Validate on the rewritten command returns the same result.
func (v *Validator) Validate(cmd string) Result {
	return validate(cmd, v.policy.Load(), 0)
}

// maxNesting bounds how deep sh -c / eval arguments are re-validated.
const maxNesting = 3

func validate(cmd string, p *Policy, depth int) Result {
	if depth > maxNesting {
		return reject("chaining", "nested shell invocations are too deep")
	}
	if strings.TrimSpace(cmd) == "" {
		return reject("empty", "command is empty")
	}
	maxLen := p.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if len(cmd) > maxLen {
		return reject("length", fmt.Sprintf("command exceeds %d bytes", maxLen))
	}
	for _, r := range cmd {
		if r == '\n' || r == '\r' {
			return reject("chaining", "multi-line commands are not allowed")
		}
		if r != '\t' && unicode.IsControl(r) {
			return reject("control_chars", "command contains control characters")
		}
	}

	sc := scan(cmd)
	if sc.err != "" {
		return reject("syntax", sc.err)
	}
	// ";" alone survives the check above but normalizes to nothing.
	if sc.normalized == "" {
		return reject("empty", "command is empty")
	}

	for _, rule := range builtinPatterns {
		if rule.re.MatchString(sc.normalized) {
			return reject(rule.Name, rule.Reason)
		}
	}

	if sc.operator != "" {
		return reject("chaining", fmt.Sprintf("operator %q is not allowed; submit one command per call", sc.operator))
	}
	if !p.AllowPipes && len(sc.stages) > 1 {
		return reject("chaining", "pipelines are disabled by policy")
	}

	for _, stage := range sc.stages {
		if r, ok := checkStage(stage, p, depth); !ok {
			return r
		}
	}

	for _, rule := range p.Deny {
		if rule.re != nil && rule.re.MatchString(sc.normalized) {
			return reject(rule.Name, rule.Reason)
		}
	}

	// The script a piped shell reads cannot be inspected.
	for i, stage := range sc.stages {
		if i > 0 && readsStdinScript(stage) {
			return reject("chaining", "piping into a shell is not allowed; submit the command directly")
		}
	}

	return Result{IsValid: true, Command: sc.normalized}
}

type patternRule struct {
	Name   string
	Reason string
	re     *regexp.Regexp
}

var builtinPatterns = []patternRule{
	{"fork_bomb", "fork bombs are not allowed", regexp.MustCompile(`:\s*\(\s*\)\s*\{`)},
	{"reverse_shell", "raw network device access is not allowed", regexp.MustCompile(`/dev/(tcp|udp)/`)},
	{"host_escape", "access to the host process namespace is not allowed", regexp.MustCompile(`/proc/(1|self)/(root|ns|cwd)\b|/proc/sysrq-trigger`)},
	{"host_escape", "access to the container runtime socket is not allowed", regexp.MustCompile(`(docker|containerd|crio|podman)\.sock`)},
	{"destructive", "writing to block devices is not allowed", regexp.MustCompile(`>\s*/dev/(sd|hd|vd|xvd|nvme|mmcblk|disk|mapper/)`)},
}

var (
	escalationCommands = set("sudo", "su", "doas", "pkexec", "runuser", "setcap", "capsh")
	hostEscapeCommands = set("nsenter", "chroot", "unshare", "mount", "umount", "insmod", "rmmod", "modprobe", "kexec", "pivot_root", "debugfs")
	systemCommands     = set("shutdown", "reboot", "halt", "poweroff", "telinit", "init", "killall5")
	diskCommands       = set("mkswap", "fdisk", "sfdisk", "parted", "wipefs", "shred")
	wrapperCommands    = set("env", "command", "exec", "nohup", "time", "timeout", "builtin", "nice", "ionice", "stdbuf", "xargs", "busybox")
	shellCommands      = set("sh", "bash", "dash", "zsh", "ksh", "mksh", "ash", "yash")
	evalCommands       = set("eval", "source", ".")
	protectedPaths     = set("/", "/*", "~", "~/", "~/*", "$HOME", "${HOME}", "$HOME/", "${HOME}/", "$HOME/*", "${HOME}/*", "..", "../*", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64", "/proc", "/root", "/sbin", "/sys", "/usr", "/var")
	setuidMode         = regexp.MustCompile(`^0?[2-7][0-7]{3}$|^[ugoa]*\+[rwxt]*s[rwxt]*$`)
	wrapperArg         = regexp.MustCompile(`^-|^[0-9]+(\.[0-9]+)?[smhd]?$`)
)

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// commandWords skips leading assignments and wrappers such as env or
// timeout 5, returning the effective command name and its arguments.
func commandWords(words []string) (string, []string) {
	inWrapper := false
	for i, w := range words {
		switch {
		case w == "" || isAssignment(w):
			continue
		case wrapperCommands[path.Base(w)]:
			inWrapper = true
			continue
		case inWrapper && wrapperArg.MatchString(w):
			continue
		}
		return path.Base(w), words[i+1:]
	}
	return "", nil
}

func isAssignment(w string) bool {
	name, _, ok := strings.Cut(w, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		if !(r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r))) {
			return false
		}
	}
	return true
}

func checkStage(words []string, p *Policy, depth int) (Result, bool) {
	name, args := commandWords(words)
	if name == "" {
		return Result{}, true
	}

	// Strings handed to another interpreter get the same checks as the
	// outer command.
	for _, script := range nestedScripts(name, args) {
		if r := validate(script, p, depth+1); !r.IsValid {
			return r, false
		}
	}

	switch {
	case escalationCommands[name]:
		return reject("privilege_escalation", fmt.Sprintf("%s: privilege escalation is not allowed", name)), false
	case hostEscapeCommands[name]:
		return reject("host_escape", fmt.Sprintf("%s: leaving the sandbox is not allowed", name)), false
	case systemCommands[name]:
		return reject("destructive", fmt.Sprintf("%s: stopping the sandbox host is not allowed", name)), false
	case diskCommands[name] || strings.HasPrefix(name, "mkfs"):
		return reject("destructive", fmt.Sprintf("%s: disk formatting tools are not allowed", name)), false
	case p.deniedCommand(name):
		return reject("policy", fmt.Sprintf("%s: command is denied by policy", name)), false
	}

	switch name {
	case "rm":
		if hasFlag(args, 'r', "--recursive") || hasFlag(args, 'R', "") {
			for _, a := range args {
				if a == "--no-preserve-root" || isProtectedPath(a) {
					return reject("destructive", "recursive removal of a protected path is not allowed"), false
				}
			}
		}
	case "chmod", "chown", "chgrp":
		recursive := hasFlag(args, 'R', "--recursive")
		for _, a := range args {
			if recursive && isProtectedPath(a) {
				return reject("destructive", fmt.Sprintf("recursive %s on a protected path is not allowed", name)), false
			}
			if name == "chmod" && !strings.HasPrefix(a, "-") && setuidMode.MatchString(a) {
				return reject("privilege_escalation", "setting setuid or setgid bits is not allowed"), false
			}
		}
	case "dd":
		for _, a := range args {
			if strings.HasPrefix(a, "of=/dev/") && a != "of=/dev/null" {
				return reject("destructive", "dd to a device is not allowed"), false
			}
		}
	case "kill":
		if len(args) >= 2 && args[len(args)-1] == "-1" {
			return reject("destructive", "killing every process is not allowed"), false
		}
	case "nc", "ncat", "netcat":
		if hasFlag(args, 'e', "--exec") || hasFlag(args, 'c', "--sh-exec") {
			return reject("reverse_shell", fmt.Sprintf("%s with command execution is not allowed", name)), false
		}
	}

	return Result{}, true
}

// nestedScripts returns the command strings name will interpret itself:
// the operand of sh -c, a here-string fed to a shell, or the arguments of
// eval and source.
func nestedScripts(name string, args []string) []string {
	switch {
	case evalCommands[name]:
		if len(args) == 0 {
			return nil
		}
		return []string{strings.Join(args, " ")}
	case !shellCommands[name]:
		return nil
	}

	var scripts []string
	wantScript := false
	for i, a := range args {
		switch {
		case a == "<<<" && i+1 < len(args):
			scripts = append(scripts, args[i+1])
		case strings.HasPrefix(a, "<<<") && len(a) > 3:
			scripts = append(scripts, a[3:])
		case len(a) > 1 && a[0] == '-' && a[1] != '-':
			if strings.ContainsRune(a[1:], 'c') {
				wantScript = true
			}
		case wantScript:
			scripts = append(scripts, a)
			wantScript = false
		}
	}
	return scripts
}

// readsStdinScript reports whether a pipeline stage is a shell that takes
// its script from standard input.
func readsStdinScript(words []string) bool {
	name, args := commandWords(words)
	if !shellCommands[name] {
		return false
	}
	for _, a := range args {
		if a == "-s" {
			return true
		}
		if !strings.HasPrefix(a, "-") {
			return false
		}
		if len(a) > 1 && a[1] != '-' && strings.ContainsRune(a[1:], 'c') {
			return false
		}
	}
	return true
}

// hasFlag reports whether args carries the short flag (alone or clustered,
// e.g. -rf) or the long flag.
func hasFlag(args []string, short rune, long string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if long != "" && a == long {
			return true
		}
		if len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.ContainsRune(a[1:], short) {
			return true
		}
	}
	return false
}

func isProtectedPath(a string) bool {
	if a == "" || strings.HasPrefix(a, "-") {
		return false
	}
	if protectedPaths[a] {
		return true
	}
	trimmed := strings.TrimRight(a, "/")
	if trimmed == "" {
		return true // "//", "///"
	}
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "..") {
		return protectedPaths[path.Clean(trimmed)]
	}
	return protectedPaths[trimmed]
}
