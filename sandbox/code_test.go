package sandbox

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeRunnerCapturesResult(t *testing.T) {
	r := NewCodeRunner(0, nil)
	res, err := r.Run(context.Background(), `var result = 6 * 7;`, nil)
	require.NoError(t, err)
	require.True(t, res.HasValue())
	assert.Equal(t, "42", string(res.Value))
	assert.False(t, res.Binary)
}

func TestCodeRunnerOutputFallback(t *testing.T) {
	r := NewCodeRunner(0, nil)
	res, err := r.Run(context.Background(), `var output = {a: [1, 2]};`, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, string(res.Value))
}

func TestCodeRunnerNoResult(t *testing.T) {
	r := NewCodeRunner(0, nil)
	res, err := r.Run(context.Background(), `console.log("hi", 1); var x = 1;`, nil)
	require.NoError(t, err)
	assert.False(t, res.HasValue())
	assert.Equal(t, "hi 1\n", res.Stdout)
}

func TestCodeRunnerSharedScope(t *testing.T) {
	// A helper defined after a top-level binding must close over it.
	code := `
const prefix = "doc-";
function name(n) { return prefix + n; }
let parts = [1, 2].map(name);
result = parts.join(",");
`
	r := NewCodeRunner(0, nil)
	res, err := r.Run(context.Background(), code, nil)
	require.NoError(t, err)
	assert.Equal(t, "doc-1,doc-2", string(res.Value))
}

func TestCodeRunnerBinaryResult(t *testing.T) {
	r := NewCodeRunner(0, nil)
	res, err := r.Run(context.Background(), `var result = new Uint8Array([0, 1, 2, 255]);`, nil)
	require.NoError(t, err)
	assert.True(t, res.Binary)
	assert.Equal(t, []byte{0, 1, 2, 255}, res.Value)
}

func TestCodeRunnerSourceBindings(t *testing.T) {
	src := &Source{Filename: "a.txt", Path: "/out/s1/a.txt", Content: []byte("hello")}
	code := `
var result = [source_doc_filename, source_doc_path, source_doc_bytes.length,
              source_doc_base64, utf8decode(source_doc_bytes)].join("|");
`
	r := NewCodeRunner(0, nil)
	res, err := r.Run(context.Background(), code, src)
	require.NoError(t, err)
	want := "a.txt|/out/s1/a.txt|5|" + base64.StdEncoding.EncodeToString([]byte("hello")) + "|hello"
	assert.Equal(t, want, string(res.Value))
}

func TestCodeRunnerBase64Helpers(t *testing.T) {
	r := NewCodeRunner(0, nil)
	res, err := r.Run(context.Background(), `var result = b64encode(b64decode("aGVsbG8="));`, nil)
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", string(res.Value))

	_, err = r.Run(context.Background(), `b64decode("!!!")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b64decode")
}

func TestCodeRunnerScriptError(t *testing.T) {
	r := NewCodeRunner(0, nil)
	_, err := r.Run(context.Background(), `throw new Error("boom")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = r.Run(context.Background(), `undefinedThing.call()`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReferenceError")

	_, err = r.Run(context.Background(), "   ", nil)
	require.Error(t, err)
}

func TestCodeRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := NewCodeRunner(0, nil)
	_, err := r.Run(ctx, `while (true) {}`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
}

func TestCodeRunnerStdoutLimit(t *testing.T) {
	r := NewCodeRunner(10, nil)
	res, err := r.Run(context.Background(), `for (var i = 0; i < 100; i++) console.log("line");`, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Stdout, "[... output truncated ...]"))
}

func TestLooksLikeBase64(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("binary\x00\x01payload", 40)))
	assert.True(t, LooksLikeBase64(payload))
	assert.False(t, LooksLikeBase64("short"))
	assert.False(t, LooksLikeBase64(strings.Repeat("plain words with spaces ", 20)))
	assert.False(t, LooksLikeBase64(strings.Repeat("1234567890", 30)))
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary([]byte("just some text\n")))
	assert.False(t, IsBinary(nil))
	assert.True(t, IsBinary([]byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0x00, 0xff, 0xfe}))
}
