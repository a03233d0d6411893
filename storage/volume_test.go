package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalVolume(t *testing.T) (*Volume, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := NewVolume(VolumeOptions{LocalDir: dir, Mode: OutputAuto})
	require.NoError(t, err)
	return v, dir
}

func TestVolumeSessionPathLocal(t *testing.T) {
	v, dir := newLocalVolume(t)
	assert.False(t, v.Remote())
	assert.Equal(t, filepath.Join(dir, "abc123"), v.SessionPath("abc123"))
	assert.Equal(t, filepath.Join(dir, "abc123", "a.txt"), v.Resolve("abc123", "a.txt"))
	assert.Equal(t, "/elsewhere/a.txt", v.Resolve("abc123", "/elsewhere/a.txt"))
}

func TestVolumeRemoteModeNeedsBackend(t *testing.T) {
	_, err := NewVolume(VolumeOptions{Root: "/Volumes/main/default/docagent", Mode: OutputRemote})
	require.Error(t, err)
}

func TestVolumeRoutesToRemoteUnderRoot(t *testing.T) {
	remote := newMemBackend()
	v, err := NewVolume(VolumeOptions{
		Root:     "/Volumes/main/default/docagent",
		LocalDir: t.TempDir(),
		Remote:   remote,
	})
	require.NoError(t, err)
	assert.True(t, v.Remote())
	assert.Equal(t, "/Volumes/main/default/docagent/s1", v.SessionPath("s1"))

	p, err := v.Save(context.Background(), "s1", "report.txt", []byte("hello"), "")
	require.NoError(t, err)
	assert.Equal(t, "/Volumes/main/default/docagent/s1/report.txt", p)
	assert.Equal(t, []byte("hello"), remote.files[p])
	assert.Equal(t, "text/plain; charset=utf-8", remote.types[p])
	assert.Contains(t, remote.dirs, "/Volumes/main/default/docagent/s1")

	// Paths outside the root go to the local disk.
	local := filepath.Join(t.TempDir(), "x.bin")
	_, err = v.Save(context.Background(), "s1", local, []byte{1}, "application/octet-stream")
	require.NoError(t, err)
	assert.FileExists(t, local)
}

func TestVolumeSaveReadRoundTrip(t *testing.T) {
	v, _ := newLocalVolume(t)
	data := []byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0xff}

	p, err := v.Save(context.Background(), "s1", "nested/a.docx", data, "")
	require.NoError(t, err)

	got, back, err := v.Read(context.Background(), "s1", "nested/a.docx")
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, data, back)
}

func TestVolumeReadMissing(t *testing.T) {
	v, _ := newLocalVolume(t)
	_, _, err := v.Read(context.Background(), "s1", "nope.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestVolumeListRecursive(t *testing.T) {
	v, _ := newLocalVolume(t)
	ctx := context.Background()
	_, err := v.Save(ctx, "s1", "b.txt", []byte("bb"), "")
	require.NoError(t, err)
	_, err = v.Save(ctx, "s1", "sub/a.txt", []byte("a"), "")
	require.NoError(t, err)

	dir, files, err := v.List(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, v.SessionPath("s1"), dir)
	require.Len(t, files, 2)
	assert.Equal(t, "b.txt", files[0].Name)
	assert.Equal(t, int64(2), files[0].Size)
	assert.Equal(t, "sub/a.txt", files[1].Name)

	_, files, err = v.List(ctx, "never-used", "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCopyToSessionBySessionID(t *testing.T) {
	v, _ := newLocalVolume(t)
	ctx := context.Background()
	_, err := v.Save(ctx, "old", "draft.md", []byte("# draft"), "")
	require.NoError(t, err)

	src, dst, err := v.CopyToSession(ctx, "new", CopyRequest{SourceSessionID: "old", Filename: "draft.md"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(v.SessionPath("old"), "draft.md"), src)
	assert.Equal(t, filepath.Join(v.SessionPath("new"), "draft.md"), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "# draft", string(data))
}

func TestCopyToSessionBySourcePathWithTarget(t *testing.T) {
	v, _ := newLocalVolume(t)
	ctx := context.Background()
	p, err := v.Save(ctx, "old", "draft.md", []byte("x"), "")
	require.NoError(t, err)

	_, dst, err := v.CopyToSession(ctx, "new", CopyRequest{SourcePath: p, TargetFilename: "copies/final.md"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(v.SessionPath("new"), "copies", "final.md"), dst)
	assert.FileExists(t, dst)
}

func TestCopyToSessionRejectsTraversal(t *testing.T) {
	v, root := newLocalVolume(t)
	ctx := context.Background()
	_, err := v.Save(ctx, "old", "a.txt", []byte("x"), "")
	require.NoError(t, err)

	cases := []CopyRequest{
		{SourceSessionID: "old", Filename: "../../etc/passwd"},
		{SourceSessionID: "../old", Filename: "a.txt"},
		{SourceSessionID: "old", Filename: "a.txt", TargetFilename: "/abs/path"},
		{SourceSessionID: "old", Filename: "a.txt", TargetFilename: "../escape.txt"},
	}
	for i, req := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, _, err := v.CopyToSession(ctx, "new", req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsafePath)
		})
	}
	assert.NoDirExists(t, filepath.Join(root, "new"))
}

func TestCopyToSessionRejectsOutsideRoot(t *testing.T) {
	v, root := newLocalVolume(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("s"), 0o644))

	for _, src := range []string{outside, filepath.Join(root, "..", "elsewhere", "x"), "/etc/passwd", root} {
		_, _, err := v.CopyToSession(context.Background(), "new", CopyRequest{SourcePath: src})
		require.Error(t, err, src)
		assert.ErrorIs(t, err, ErrOutsideRoot)
	}
	assert.NoDirExists(t, filepath.Join(root, "new"))
}

func TestCopyToSessionNeedsSource(t *testing.T) {
	v, _ := newLocalVolume(t)
	_, _, err := v.CopyToSession(context.Background(), "new", CopyRequest{Filename: "a.txt"})
	require.Error(t, err)
}

func TestSafeRelative(t *testing.T) {
	ok := map[string]string{"a.txt": "a.txt", "dir/b.txt": "dir/b.txt", " x ": "x", "./y": "y"}
	for in, want := range ok {
		got, valid := SafeRelative(in)
		assert.True(t, valid, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "/abs", `\abs`, "C:/x", "../x", "a/../../b", `a\..\b`, "."} {
		_, valid := SafeRelative(in)
		assert.False(t, valid, in)
	}
}

func TestParseOutputMode(t *testing.T) {
	assert.Equal(t, OutputRemote, ParseOutputMode("uc_volume"))
	assert.Equal(t, OutputRemote, ParseOutputMode("REMOTE"))
	assert.Equal(t, OutputLocal, ParseOutputMode("local"))
	assert.Equal(t, OutputAuto, ParseOutputMode("whatever"))
}

func TestS3KeyMapping(t *testing.T) {
	b := newS3Backend(nil, S3Options{Bucket: "b", Prefix: "/docs/", Root: "/Volumes/main/default/docagent/"})

	key, err := b.keyFor("/Volumes/main/default/docagent/s1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/s1/a.txt", key)
	assert.Equal(t, "/Volumes/main/default/docagent/s1/a.txt", b.pathFor(key))

	_, err = b.keyFor("/Volumes/main/default/other/a.txt")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	noPrefix := newS3Backend(nil, S3Options{Bucket: "b", Root: "/Volumes/v"})
	key, err = noPrefix.keyFor("/Volumes/v/s1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "s1/a.txt", key)
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(&types.NoSuchKey{}))
	assert.True(t, isS3NotFound(fmt.Errorf("wrapped: %w", &types.NotFound{})))
	assert.False(t, isS3NotFound(errors.New("access denied")))
}

// memBackend is an in-memory Backend standing in for the remote store.
type memBackend struct {
	files map[string][]byte
	types map[string]string
	dirs  []string
}

func newMemBackend() *memBackend {
	return &memBackend{files: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBackend) Write(ctx context.Context, p string, data []byte, contentType string) error {
	m.files[p] = data
	m.types[p] = contentType
	return nil
}

func (m *memBackend) Read(ctx context.Context, p string) ([]byte, error) {
	data, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, nil
}

func (m *memBackend) List(ctx context.Context, dir string) ([]FileInfo, error) {
	var out []FileInfo
	for p, data := range m.files {
		if Within(dir, p) {
			out = append(out, FileInfo{Name: p[len(dir)+1:], Path: p, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memBackend) CreateDir(ctx context.Context, dir string) error {
	m.dirs = append(m.dirs, dir)
	return nil
}
