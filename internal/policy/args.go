package policy

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxArgs   = 64
	maxArgLen = 1024
)

// deniedOptions are flags that make git and friends run arbitrary programs
// or rewrite their config. They are refused wherever they appear.
var deniedOptions = []string{
	"--upload-pack",
	"--receive-pack",
	"--exec",
	"--config",
	"--ssh-command",
	"-c",
}

// checkArgs is the single argument-safety gate. Every argv, whether built
// from structured fields or extended with caller args, passes through it
// before a Command is returned.
func checkArgs(argv []string) error {
	if len(argv) == 0 {
		return reject("empty argument vector")
	}
	if len(argv) > maxArgs {
		return reject("too many arguments (%d > %d)", len(argv), maxArgs)
	}
	for i, arg := range argv {
		if arg == "" {
			return reject("argument %d is empty", i)
		}
		if len(arg) > maxArgLen {
			return reject("argument %d exceeds %d bytes", i, maxArgLen)
		}
		if !utf8.ValidString(arg) {
			return reject("argument %d is not valid UTF-8", i)
		}
		for _, r := range arg {
			if r == 0 || unicode.IsControl(r) {
				return reject("argument %d contains a control character", i)
			}
		}
		for _, denied := range deniedOptions {
			if arg == denied || strings.HasPrefix(arg, denied+"=") ||
				(len(denied) == 2 && strings.HasPrefix(arg, denied) && !strings.HasPrefix(arg, "--")) {
				return reject("option %q is forbidden", denied)
			}
		}
	}
	return nil
}

// flagSpec lists extra flags callers may append for a kind and whether each
// consumes a value.
type flagSpec map[string]bool

var extraFlags = map[string]flagSpec{
	"project_init": {
		"--name":        true,
		"--description": true,
		"--no-git":      false,
		"--quiet":       false,
		"--verbose":     false,
	},
	"repo_import": {
		"--depth":      true,
		"--submodules": false,
		"--quiet":      false,
		"--verbose":    false,
	},
}

// appendExtraArgs validates caller supplied args against the kind's flag
// allowlist and appends them to argv.
func appendExtraArgs(argv []string, kind string, extra []string) ([]string, error) {
	allowed := extraFlags[kind]
	for i := 0; i < len(extra); i++ {
		arg := extra[i]
		name, value, hasValue := strings.Cut(arg, "=")

		takesValue, ok := allowed[name]
		if !ok || !strings.HasPrefix(name, "--") {
			return nil, reject("argument %q is not in the allowlist for %s", arg, kind)
		}

		switch {
		case !takesValue && hasValue:
			return nil, reject("flag %s does not take a value", name)
		case takesValue && hasValue:
			if value == "" || strings.HasPrefix(value, "-") {
				return nil, reject("flag %s has an invalid value", name)
			}
			argv = append(argv, name, value)
		case takesValue:
			if i+1 >= len(extra) {
				return nil, reject("flag %s requires a value", name)
			}
			i++
			if strings.HasPrefix(extra[i], "-") {
				return nil, reject("flag %s has an invalid value", name)
			}
			argv = append(argv, name, extra[i])
		default:
			argv = append(argv, name)
		}
	}
	return argv, nil
}
