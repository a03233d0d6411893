package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
)

// Source is the document made available to code as source_doc_* bindings.
type Source struct {
	Filename string
	Path     string
	Content  []byte
}

// CodeResult is the outcome of one successful code run.
type CodeResult struct {
	// Value is the captured result, nil when the code set neither result
	// nor output.
	Value  []byte
	Binary bool
	Stdout string
}

// HasValue reports whether the code produced a result.
func (r *CodeResult) HasValue() bool { return r != nil && r.Value != nil }

// CodeRunner evaluates ECMAScript with goja. Every Run gets a fresh runtime
// and a single global scope, so declarations and closures made by one
// statement are visible to every later one.
type CodeRunner struct {
	maxStdout int
	logger    *slog.Logger
}

// NewCodeRunner creates a CodeRunner. maxStdout bounds captured console
// output (DefaultTailBytes when zero).
func NewCodeRunner(maxStdout int, logger *slog.Logger) *CodeRunner {
	if maxStdout <= 0 {
		maxStdout = DefaultTailBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeRunner{maxStdout: maxStdout, logger: logger}
}

const prelude = `
function __bytes(x) {
  if (x instanceof Uint8Array) return x.buffer.slice(x.byteOffset, x.byteOffset + x.byteLength);
  return x;
}
function b64encode(x) { return __b64encode(__bytes(x)); }
function b64decode(s) { return new Uint8Array(__b64decode(s)); }
function utf8encode(s) { return new Uint8Array(__utf8encode(String(s))); }
function utf8decode(x) { return __utf8decode(__bytes(x)); }
`

const capture = `(function () {
  var v = (typeof result !== 'undefined') ? result :
          ((typeof output !== 'undefined') ? output : undefined);
  if (v === undefined || v === null) return v;
  if (v instanceof Uint8Array) return __bytes(v);
  if (v instanceof ArrayBuffer || typeof v === 'string') return v;
  if (typeof v === 'object') {
    try { return JSON.stringify(v); } catch (e) { return String(v); }
  }
  return String(v);
})()`

// Run evaluates code. Script errors are returned as errors carrying the
// script's message; the result binding is captured on success. Cancelling
// ctx interrupts the script.
func (r *CodeRunner) Run(ctx context.Context, code string, src *Source) (*CodeResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("code is required")
	}

	rt := goja.New()
	var stdout limitedBuffer
	stdout.max = r.maxStdout

	if err := r.install(rt, &stdout, src); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt("execution cancelled")
		case <-done:
		}
	}()

	if _, err := rt.RunString(code); err != nil {
		return nil, scriptError(err)
	}
	v, err := rt.RunString(capture)
	if err != nil {
		return nil, scriptError(err)
	}

	res := &CodeResult{Stdout: stdout.String()}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return res, nil
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		res.Value = append([]byte{}, x.Bytes()...)
		res.Binary = true
	case string:
		res.Value = []byte(x)
	default:
		res.Value = []byte(v.String())
	}
	return res, nil
}

func (r *CodeRunner) install(rt *goja.Runtime, stdout *limitedBuffer, src *Source) error {
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		stdout.WriteString(strings.Join(parts, " ") + "\n")
		return goja.Undefined()
	}
	console := rt.NewObject()
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}

	set := map[string]interface{}{
		"console": console,
		"print":   logFn,
		"__b64encode": func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(base64.StdEncoding.EncodeToString(exportBytes(call.Argument(0))))
		},
		"__b64decode": func(call goja.FunctionCall) goja.Value {
			data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(call.Argument(0).String()))
			if err != nil {
				panic(rt.NewGoError(fmt.Errorf("b64decode: %w", err)))
			}
			return rt.ToValue(rt.NewArrayBuffer(data))
		},
		"__utf8encode": func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(rt.NewArrayBuffer([]byte(call.Argument(0).String())))
		},
		"__utf8decode": func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(string(exportBytes(call.Argument(0))))
		},
	}
	for name, v := range set {
		if err := rt.Set(name, v); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	if _, err := rt.RunString(prelude); err != nil {
		return fmt.Errorf("prelude: %w", err)
	}

	if src == nil || src.Content == nil {
		return nil
	}
	u8, err := rt.New(rt.Get("Uint8Array"), rt.ToValue(rt.NewArrayBuffer(src.Content)))
	if err != nil {
		return fmt.Errorf("bind source_doc_bytes: %w", err)
	}
	bindings := map[string]interface{}{
		"source_doc_bytes":    u8,
		"source_doc_base64":   base64.StdEncoding.EncodeToString(src.Content),
		"source_doc_filename": src.Filename,
		"source_doc_path":     src.Path,
	}
	for name, v := range bindings {
		if err := rt.Set(name, v); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func exportBytes(v goja.Value) []byte {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		return x.Bytes()
	case []byte:
		return x
	case string:
		return []byte(x)
	default:
		return []byte(v.String())
	}
}

func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("interrupted: %v", interrupted.Value())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return errors.New(exc.Value().String())
	}
	return err
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	sb        strings.Builder
	max       int
	truncated bool
}

func (b *limitedBuffer) WriteString(s string) {
	if b.truncated {
		return
	}
	if room := b.max - b.sb.Len(); len(s) > room {
		b.sb.WriteString(s[:room])
		b.truncated = true
		return
	}
	b.sb.WriteString(s)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.sb.String() + "\n[... output truncated ...]"
	}
	return b.sb.String()
}
