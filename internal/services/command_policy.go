package services

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CommandPolicyError indicates a command line was refused by the guard.
type CommandPolicyError struct {
	Rule    string
	Detail  string
	Command string
}

func (e *CommandPolicyError) Error() string {
	return fmt.Sprintf("command blocked by policy (%s): %s", e.Rule, e.Detail)
}

// IsCommandPolicyError reports whether err (or anything it wraps) is a policy rejection.
func IsCommandPolicyError(err error) bool {
	var pe *CommandPolicyError
	return errors.As(err, &pe)
}

var (
	forkBombPattern  = regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)
	rawDevicePattern = regexp.MustCompile(`\bof=/dev/(sd|hd|nvme|disk|xvd|vd)`)
	segmentSplit     = regexp.MustCompile(`&&|\|\||[;&|\n]`)
)

// commandWrappers run their arguments as a command. The value of each is the
// set of its options that take a separate argument.
var commandWrappers = map[string]map[string]bool{
	"sudo":    {"-u": true, "-g": true, "-C": true, "-D": true, "-h": true, "-p": true, "-r": true, "-t": true, "-U": true, "-R": true, "-T": true, "--user": true, "--group": true, "--chdir": true},
	"doas":    {"-u": true, "-C": true},
	"env":     {"-u": true, "-C": true, "-S": true, "--unset": true, "--chdir": true},
	"nice":    {"-n": true, "--adjustment": true},
	"ionice":  {"-c": true, "-n": true, "-p": true},
	"time":    {"-f": true, "-o": true},
	"exec":    {"-a": true},
	"command": {},
	"nohup":   {},
	"stdbuf":  {"-i": true, "-o": true, "-e": true},
}

// Targets whose recursive removal wipes the filesystem or the home directory.
var protectedTargets = map[string]bool{
	"/": true, "/*": true, "/.": true, "/..": true,
	"~": true, "~/": true, "~/*": true,
	"$HOME": true, "$HOME/": true, "$HOME/*": true, "${HOME}": true,
}

type policyRule struct {
	name    string
	detail  string
	pattern *regexp.Regexp
}

// CommandPolicy is a best-effort guard against a handful of destructive
// literals typed into the terminal. It is NOT a sandbox: the shell still runs
// with the server's privileges and anything not matched here executes.
type CommandPolicy struct {
	extra []policyRule
}

// NewCommandPolicy builds the default guard plus extra regular expressions.
func NewCommandPolicy(extraPatterns []string) (*CommandPolicy, error) {
	p := &CommandPolicy{}
	for _, raw := range extraPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", raw, err)
		}
		p.extra = append(p.extra, policyRule{
			name:    "configured_pattern",
			detail:  fmt.Sprintf("matches blocked pattern %q", raw),
			pattern: re,
		})
	}
	return p, nil
}

// Check returns a *CommandPolicyError if line must not reach the shell.
func (p *CommandPolicy) Check(line string) error {
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		return nil
	}

	if forkBombPattern.MatchString(cmd) {
		return &CommandPolicyError{Rule: "no_fork_bomb", Detail: "fork bomb is blocked", Command: cmd}
	}
	if rawDevicePattern.MatchString(cmd) {
		return &CommandPolicyError{Rule: "no_raw_device_write", Detail: "writing to a raw block device is blocked", Command: cmd}
	}

	for _, segment := range segmentSplit.Split(cmd, -1) {
		fields := unwrapCommand(strings.Fields(segment))
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "rm" || strings.HasSuffix(fields[0], "/rm"):
			if target, ok := removesProtectedRoot(fields[1:]); ok {
				return &CommandPolicyError{
					Rule:    "no_recursive_root_delete",
					Detail:  fmt.Sprintf("recursive delete of %s is blocked", target),
					Command: cmd,
				}
			}
		case strings.HasPrefix(fields[0], "mkfs"):
			return &CommandPolicyError{Rule: "no_mkfs", Detail: "formatting filesystems is blocked", Command: cmd}
		}
	}

	if p != nil {
		for _, rule := range p.extra {
			if rule.pattern.MatchString(cmd) {
				return &CommandPolicyError{Rule: rule.name, Detail: rule.detail, Command: cmd}
			}
		}
	}
	return nil
}

// unwrapCommand strips leading VAR=value assignments and wrapper commands,
// with their options, until the command that actually runs.
func unwrapCommand(fields []string) []string {
	for len(fields) > 0 {
		head := fields[0]
		if valueOpts, ok := commandWrappers[head]; ok {
			fields = skipOptions(fields[1:], valueOpts)
			continue
		}
		if strings.Contains(head, "=") && !strings.HasPrefix(head, "-") {
			fields = fields[1:]
			continue
		}
		return fields
	}
	return fields
}

func skipOptions(fields []string, valueOpts map[string]bool) []string {
	for len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
		opt := fields[0]
		fields = fields[1:]
		if opt == "--" {
			break
		}
		if valueOpts[opt] && len(fields) > 0 {
			fields = fields[1:]
		}
	}
	return fields
}

func removesProtectedRoot(args []string) (string, bool) {
	recursive := false
	var targets []string
	endOfFlags := false
	for _, arg := range args {
		switch {
		case endOfFlags:
			targets = append(targets, arg)
		case arg == "--":
			endOfFlags = true
		case arg == "--recursive":
			recursive = true
		case strings.HasPrefix(arg, "--"):
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			if strings.ContainsAny(arg[1:], "rR") {
				recursive = true
			}
		default:
			targets = append(targets, arg)
		}
	}
	if !recursive {
		return "", false
	}
	for _, t := range targets {
		t = strings.Trim(t, `"'`)
		if protectedTargets[t] || protectedTargets[path.Clean(t)] {
			return t, true
		}
	}
	return "", false
}

// LineGuard follows the keystrokes sent to a terminal so a submitted line can
// be checked before its Enter key is forwarded. Escape sequences (arrow keys,
// history recall) are forwarded but not tracked, so recalled lines are not
// seen by the guard.
type LineGuard struct {
	policy *CommandPolicy
	line   []rune
	inEsc  bool
	csi    bool
}

func NewLineGuard(policy *CommandPolicy) *LineGuard {
	return &LineGuard{policy: policy}
}

const (
	keyCtrlC     = 0x03
	keyCtrlU     = 0x15
	keyBackspace = 0x08
	keyDelete    = 0x7f
	keyEscape    = 0x1b
)

// Filter returns the part of data that may be written to the terminal. When a
// submitted line is rejected, the bytes of that line in data are dropped and
// replaced with Ctrl-U so the shell also discards anything typed earlier. The
// policy error is returned.
func (g *LineGuard) Filter(data string) (string, error) {
	var rejected error
	out := make([]byte, 0, len(data))
	lineStart := 0

	for _, r := range data {
		if g.inEsc {
			out = utf8.AppendRune(out, r)
			g.consumeEscape(r)
			continue
		}
		switch {
		case r == '\r' || r == '\n':
			line := string(g.line)
			g.line = g.line[:0]
			if err := g.policy.Check(line); err != nil {
				out = append(out[:lineStart], keyCtrlU)
				rejected = err
			} else {
				out = utf8.AppendRune(out, r)
			}
			lineStart = len(out)
		case r == keyDelete || r == keyBackspace:
			if len(g.line) > 0 {
				g.line = g.line[:len(g.line)-1]
			}
			out = utf8.AppendRune(out, r)
		case r == keyCtrlC || r == keyCtrlU:
			g.line = g.line[:0]
			out = utf8.AppendRune(out, r)
			lineStart = len(out)
		case r == keyEscape:
			g.inEsc = true
			g.csi = false
			out = utf8.AppendRune(out, r)
		case unicode.IsPrint(r) || r == '\t':
			g.line = append(g.line, r)
			out = utf8.AppendRune(out, r)
		default:
			out = utf8.AppendRune(out, r)
		}
	}
	return string(out), rejected
}

func (g *LineGuard) consumeEscape(r rune) {
	if !g.csi {
		if r == '[' || r == 'O' {
			g.csi = true
			return
		}
		g.inEsc = false
		return
	}
	if r >= 0x40 && r <= 0x7e {
		g.inEsc = false
		g.csi = false
	}
}

// Pending returns the line typed so far.
func (g *LineGuard) Pending() string {
	return string(g.line)
}
