// Package actionexec implements the sandboxed action executor named in
// spec §6: a script invoked with a decrypted secrets blob and a JSON
// input, returning stdout and stderr, executed inside a filesystem-
// and PID-isolated sandbox. Grounded on typhon/src/actions.rs's control
// flow (open secrets file, decrypt, parse, merge with input, spawn,
// write stdin, read stdout/stderr) and spec §6's bwrap invocation.
package actionexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"filippo.io/age"

	"github.com/nixbuild/typhon/internal/logger"
)

// ErrKind enumerates the failure modes spec §6 requires the executor to
// surface distinctly.
type ErrKind string

const (
	ErrInvalidKey      ErrKind = "InvalidKey"
	ErrInvalidSecrets  ErrKind = "InvalidSecrets"
	ErrNonUtf8         ErrKind = "NonUtf8"
	ErrScriptNotFound  ErrKind = "ScriptNotFound"
	ErrSecretsNotFound ErrKind = "SecretsNotFound"
	ErrWrongRecipient  ErrKind = "WrongRecipient"
	ErrUnexpected      ErrKind = "Unexpected"
)

// Error wraps one of the enumerated kinds with its cause.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("actionexec: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("actionexec: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind ErrKind, err error) error { return &Error{Kind: kind, Err: err} }

// SandboxArgs is the bwrap sandbox command template from spec
// §6: filesystem-and-PID isolation around the script's execution.
var SandboxArgs = []string{
	"--proc", "/proc",
	"--dev", "/dev",
	"--ro-bind", "/nix/store", "/nix/store",
	"--ro-bind", "/etc/resolv.conf", "/etc/resolv.conf",
	"--ro-bind", "/etc", "/etc",
	"--unshare-pid",
}

// Executor runs action scripts inside the bwrap sandbox, decrypting
// their secrets file with an AGE identity first.
type Executor struct {
	log        *logger.Logger
	sandboxBin string
	ageKey     string
}

// New constructs an Executor. sandboxBin is the bwrap binary path;
// ageKey is the AGE identity string (X25519 secret key, "AGE-SECRET-KEY-...")
// used to decrypt every action's secrets file.
func New(baseLog *logger.Logger, sandboxBin, ageKey string) *Executor {
	return &Executor{
		log:        baseLog.With("component", "ActionExecutor"),
		sandboxBin: sandboxBin,
		ageKey:     ageKey,
	}
}

// Run executes scriptPath with input and the secrets decrypted from
// secretsPath (if non-empty) nested alongside each other, inside the
// sandbox. Returns captured stdout and stderr, or an *Error naming
// which stage failed.
func (e *Executor) Run(ctx context.Context, scriptPath, secretsPath string, input map[string]interface{}) (stdout, stderr string, err error) {
	if _, statErr := os.Stat(scriptPath); statErr != nil {
		return "", "", fail(ErrScriptNotFound, statErr)
	}

	var secrets map[string]interface{}
	if secretsPath != "" {
		var secErr error
		secrets, secErr = e.decryptSecrets(secretsPath)
		if secErr != nil {
			return "", "", secErr
		}
	}

	payload, marshalErr := json.Marshal(map[string]interface{}{
		"input":   input,
		"secrets": secrets,
	})
	if marshalErr != nil {
		return "", "", fail(ErrUnexpected, marshalErr)
	}

	args := append(append([]string{}, SandboxArgs...), scriptPath)
	cmd := exec.CommandContext(ctx, e.sandboxBin, args...)
	cmd.Stdin = bytes.NewReader(payload)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if runErr := cmd.Run(); runErr != nil {
		if ctx.Err() != nil {
			return outBuf.String(), errBuf.String(), ctx.Err()
		}
		return outBuf.String(), errBuf.String(), fail(ErrUnexpected, runErr)
	}

	return outBuf.String(), errBuf.String(), nil
}

func (e *Executor) decryptSecrets(secretsPath string) (map[string]interface{}, error) {
	f, openErr := os.Open(secretsPath)
	if openErr != nil {
		return nil, fail(ErrSecretsNotFound, openErr)
	}
	defer f.Close()

	identities, idErr := age.ParseIdentities(strings.NewReader(e.ageKey))
	if idErr != nil {
		return nil, fail(ErrInvalidKey, idErr)
	}

	plaintext, decErr := age.Decrypt(f, identities...)
	if decErr != nil {
		if strings.Contains(decErr.Error(), "no identity matched") {
			return nil, fail(ErrWrongRecipient, decErr)
		}
		return nil, fail(ErrInvalidKey, decErr)
	}

	raw, readErr := io.ReadAll(plaintext)
	if readErr != nil {
		return nil, fail(ErrUnexpected, readErr)
	}
	if !utf8.Valid(raw) {
		return nil, fail(ErrNonUtf8, nil)
	}

	var secrets map[string]interface{}
	if jsonErr := json.Unmarshal(raw, &secrets); jsonErr != nil {
		return nil, fail(ErrInvalidSecrets, jsonErr)
	}
	return secrets, nil
}
