package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// OutputMode selects where session outputs are written.
type OutputMode string

const (
	OutputAuto   OutputMode = "auto"
	OutputRemote OutputMode = "remote"
	OutputLocal  OutputMode = "local"
)

// ParseOutputMode maps a configured mode onto an OutputMode. "uc_volume" is
// accepted as an alias of remote; anything unknown is auto.
func ParseOutputMode(s string) OutputMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "remote", "uc_volume", "volume", "s3":
		return OutputRemote
	case "local":
		return OutputLocal
	default:
		return OutputAuto
	}
}

// VolumeOptions configures a Volume.
type VolumeOptions struct {
	Root     string // remote volume root, e.g. /Volumes/main/default/docagent
	LocalDir string // local output directory
	Mode     OutputMode
	Remote   Backend // nil when no remote store is configured
	Local    Backend // defaults to LocalBackend
	Logger   *slog.Logger
}

// Volume is the storage access layer used by the file tools.
type Volume struct {
	root      string
	localDir  string
	remote    Backend
	local     Backend
	useRemote bool
	logger    *slog.Logger
}

// NewVolume validates opts and resolves the output mode.
func NewVolume(opts VolumeOptions) (*Volume, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	local := opts.Local
	if local == nil {
		local = NewLocalBackend()
	}
	localDir := opts.LocalDir
	if localDir == "" {
		localDir = "./output"
	}
	abs, err := filepath.Abs(localDir)
	if err != nil {
		return nil, fmt.Errorf("resolve local output dir: %w", err)
	}

	v := &Volume{
		root:     path.Clean(opts.Root),
		localDir: abs,
		remote:   opts.Remote,
		local:    local,
		logger:   logger,
	}
	switch opts.Mode {
	case OutputRemote:
		if opts.Remote == nil {
			return nil, errors.New("output mode remote requires a remote backend")
		}
		v.useRemote = true
	case OutputLocal:
	default:
		v.useRemote = opts.Remote != nil
	}
	logger.Info("storage configured", "remote", v.useRemote, "root", v.ScopeRoot())
	return v, nil
}

// Remote reports whether session outputs go to the remote store.
func (v *Volume) Remote() bool { return v.useRemote }

// ScopeRoot is the directory that holds every session folder.
func (v *Volume) ScopeRoot() string {
	if v.useRemote {
		return v.root
	}
	return v.localDir
}

// SessionPath returns the output folder of a session.
func (v *Volume) SessionPath(sessionID string) string {
	return v.join(v.ScopeRoot(), sessionID)
}

// Resolve maps a tool-supplied name to a full path: absolute paths are used
// as given, anything else is placed under the session folder.
func (v *Volume) Resolve(sessionID, name string) string {
	name = strings.TrimSpace(name)
	if isAbs(name) {
		return name
	}
	return v.join(v.SessionPath(sessionID), name)
}

func (v *Volume) join(elem ...string) string {
	if v.useRemote {
		return path.Join(elem...)
	}
	return filepath.Join(elem...)
}

func (v *Volume) backendFor(p string) Backend {
	if v.remote != nil && v.root != "." && Within(v.root, p) {
		return v.remote
	}
	return v.local
}

// Save writes data under the session folder (or at an absolute path) and
// returns the full path. An empty content type is detected from the data.
func (v *Volume) Save(ctx context.Context, sessionID, filename string, data []byte, contentType string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", errors.New("filename is required")
	}
	p := v.Resolve(sessionID, filename)
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	b := v.backendFor(p)
	if err := b.CreateDir(ctx, parentDir(p)); err != nil {
		return "", err
	}
	if err := b.Write(ctx, p, data, contentType); err != nil {
		return "", err
	}
	v.logger.Debug("file saved", "path", p, "bytes", len(data), "content_type", contentType)
	return p, nil
}

// Read returns the full path and content of a file.
func (v *Volume) Read(ctx context.Context, sessionID, filename string) (string, []byte, error) {
	if strings.TrimSpace(filename) == "" {
		return "", nil, errors.New("filename is required")
	}
	p := v.Resolve(sessionID, filename)
	data, err := v.backendFor(p).Read(ctx, p)
	if err != nil {
		return p, nil, err
	}
	return p, data, nil
}

// List lists files below dir, or below the session folder when dir is empty.
func (v *Volume) List(ctx context.Context, sessionID, dir string) (string, []FileInfo, error) {
	if strings.TrimSpace(dir) == "" {
		dir = v.SessionPath(sessionID)
	} else {
		dir = v.Resolve(sessionID, dir)
	}
	files, err := v.backendFor(dir).List(ctx, dir)
	return dir, files, err
}

// CopyRequest names the source of a copy either by full path or by
// (session, file name).
type CopyRequest struct {
	SourcePath      string
	SourceSessionID string
	Filename        string
	TargetFilename  string
}

// CopyToSession copies a file from another session into sessionID's folder
// and returns the source and target paths. Every path check happens before
// any I/O, so a rejected request touches nothing.
func (v *Volume) CopyToSession(ctx context.Context, sessionID string, req CopyRequest) (string, string, error) {
	root := v.ScopeRoot()

	var src string
	switch {
	case strings.TrimSpace(req.SourcePath) != "":
		src = strings.TrimSpace(req.SourcePath)
		if !isAbs(src) && !v.useRemote {
			abs, err := filepath.Abs(src)
			if err != nil {
				return "", "", fmt.Errorf("resolve source path: %w", err)
			}
			src = abs
		}
	case strings.TrimSpace(req.SourceSessionID) != "" && strings.TrimSpace(req.Filename) != "":
		sid := strings.TrimSpace(req.SourceSessionID)
		if cleaned, ok := SafeRelative(sid); !ok || strings.Contains(cleaned, "/") {
			return "", "", fmt.Errorf("%w: source_session_id must be a plain session id", ErrUnsafePath)
		}
		name, ok := SafeRelative(req.Filename)
		if !ok {
			return "", "", fmt.Errorf("%w: filename must be a safe relative path", ErrUnsafePath)
		}
		src = v.join(root, sid, name)
	default:
		return "", "", errors.New("provide either source_path or (source_session_id and filename)")
	}

	src = cleanPath(src)
	if !isAbs(src) || !Within(root, src) || src == cleanPath(root) {
		return src, "", fmt.Errorf("%w: source_path must be under %s", ErrOutsideRoot, root)
	}

	target := strings.TrimSpace(req.TargetFilename)
	if target == "" {
		target = path.Base(filepath.ToSlash(src))
	}
	safeTarget, ok := SafeRelative(target)
	if !ok {
		return src, "", fmt.Errorf("%w: target_filename must be a safe relative path", ErrUnsafePath)
	}
	dst := v.join(v.SessionPath(sessionID), safeTarget)

	data, err := v.backendFor(src).Read(ctx, src)
	if err != nil {
		return src, "", err
	}
	b := v.backendFor(dst)
	if err := b.CreateDir(ctx, parentDir(dst)); err != nil {
		return src, "", err
	}
	if err := b.Write(ctx, dst, data, mimetype.Detect(data).String()); err != nil {
		return src, "", err
	}
	v.logger.Debug("file copied", "source", src, "target", dst, "bytes", len(data))
	return src, dst, nil
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || filepath.IsAbs(p)
}

func cleanPath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

func parentDir(p string) string {
	return path.Dir(filepath.ToSlash(p))
}
