package agentloop

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/martinemde/docagent/sandbox"
	"github.com/martinemde/docagent/skills"
	"github.com/martinemde/docagent/storage"
)

// Tool names.
const (
	ToolListSkills        = "list_skills"
	ToolLoadSkill         = "load_skill"
	ToolExecuteJavaScript = "execute_javascript"
	ToolExecuteBash       = "execute_bash"
	ToolSaveToVolume      = "save_to_volume"
	ToolReadFromVolume    = "read_from_volume"
	ToolCopyToSession     = "copy_to_session"
	ToolListVolumeFiles   = "list_volume_files"
)

// DefaultPreviewChars is the longest text result echoed back to the model.
const DefaultPreviewChars = 500

// Toolbox holds the collaborators the core tools run against.
type Toolbox struct {
	Skills       *skills.Catalog
	Volume       *storage.Volume
	Code         *sandbox.CodeRunner
	Shell        *sandbox.Shell
	Workdirs     *sandbox.Workdirs
	PreviewChars int
}

// RegisterCoreTools registers the eight document tools on reg.
func RegisterCoreTools(reg *ToolRegistry, tb *Toolbox) {
	if tb.PreviewChars <= 0 {
		tb.PreviewChars = DefaultPreviewChars
	}
	registerListSkills(reg, tb)
	registerLoadSkill(reg, tb)
	registerExecuteJavaScript(reg, tb)
	registerExecuteBash(reg, tb)
	registerSaveToVolume(reg, tb)
	registerReadFromVolume(reg, tb)
	registerCopyToSession(reg, tb)
	registerListVolumeFiles(reg, tb)
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

type noArgs struct{}

func registerListSkills(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolListSkills,
			Description: "List the available document skills with their ids and descriptions.",
			Parameters:  objectSchema(map[string]interface{}{}),
		},
		Handler: Typed(ToolListSkills, func(_ context.Context, _ *ToolEnv, _ noArgs) (string, error) {
			list, err := tb.Skills.List()
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				return "No skills found in: " + tb.Skills.Dir(), nil
			}
			var sb strings.Builder
			sb.WriteString("Available skills:")
			for _, s := range list {
				fmt.Fprintf(&sb, "\n- %s (%s): %s", s.Name, s.ID, s.Description)
			}
			return sb.String(), nil
		}),
	})
}

type loadSkillArgs struct {
	SkillName string `json:"skill_name"`
}

func (a *loadSkillArgs) validate() error {
	if strings.TrimSpace(a.SkillName) == "" {
		return errors.New("skill_name is required")
	}
	return nil
}

func registerLoadSkill(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolLoadSkill,
			Description: "Load the full instructions of a skill by its id or name. Load a skill before producing the kind of document it covers.",
			Parameters: objectSchema(map[string]interface{}{
				"skill_name": stringProp("Skill id or exact skill name, as shown by list_skills."),
			}, "skill_name"),
		},
		Handler: Typed(ToolLoadSkill, func(_ context.Context, _ *ToolEnv, args loadSkillArgs) (string, error) {
			s, err := tb.Skills.Resolve(strings.TrimSpace(args.SkillName))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Loaded skill: %s\n\n%s", s.ID, s.Body), nil
		}),
	})
}

type executeCodeArgs struct {
	Code string `json:"code"`
}

func (a *executeCodeArgs) validate() error {
	if strings.TrimSpace(a.Code) == "" {
		return errors.New("code is required")
	}
	return nil
}

func registerExecuteJavaScript(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: ToolExecuteJavaScript,
			Description: "Run JavaScript in a fresh sandbox. Assign the value to keep to `result` (a string, object, or Uint8Array for binary files). " +
				"After read_from_volume the file is available as source_doc_bytes (Uint8Array), source_doc_base64, source_doc_filename and source_doc_path. " +
				"Helpers: b64encode, b64decode, utf8encode, utf8decode. Large or binary results are kept for save_to_volume instead of being shown.",
			Parameters: objectSchema(map[string]interface{}{
				"code": stringProp("JavaScript source to evaluate."),
			}, "code"),
		},
		Handler: Typed(ToolExecuteJavaScript, func(ctx context.Context, env *ToolEnv, args executeCodeArgs) (string, error) {
			var src *sandbox.Source
			if rp := env.Snapshot().LastReadPayload; rp != nil {
				src = &sandbox.Source{Filename: rp.Filename, Path: rp.Path, Content: rp.Content}
			}
			res, err := tb.Code.Run(ctx, args.Code, src)
			if err != nil {
				return "", fmt.Errorf("code execution failed: %w", err)
			}
			return tb.describeCodeResult(env, res), nil
		}),
	})
}

// describeCodeResult renders a code result, caching anything too large or
// too binary to echo.
func (tb *Toolbox) describeCodeResult(env *ToolEnv, res *sandbox.CodeResult) string {
	var sb strings.Builder
	sb.WriteString("Code executed successfully.")
	if res.Stdout != "" {
		sb.WriteString("\nOutput:\n")
		sb.WriteString(strings.TrimRight(res.Stdout, "\n"))
	}
	if !res.HasValue() {
		return sb.String()
	}

	text := string(res.Value)
	binary := res.Binary || sandbox.IsBinary(res.Value)
	encoded := !binary && sandbox.LooksLikeBase64(text)
	var decoded []byte
	if encoded {
		if data, err := decodeBase64(text); err == nil {
			decoded = data
		}
	}
	switch {
	case binary:
		env.Update(func(tc *ToolContext) {
			tc.LastExecuteResult = &ExecuteResult{Data: res.Value, Binary: true}
		})
		fmt.Fprintf(&sb, "\nResult: <%d bytes of binary data>\n\nBinary result stored. Use save_to_volume to save it.", len(res.Value))
	case decoded != nil:
		env.Update(func(tc *ToolContext) {
			tc.LastExecuteResult = &ExecuteResult{Data: decoded, Binary: true}
		})
		fmt.Fprintf(&sb, "\nResult: <%d characters of base64 data, %d bytes decoded>\n\nResult stored. Use save_to_volume to save it.", len(text), len(decoded))
	case encoded:
		// Encoded-looking text is never echoed, even when it will not decode.
		env.Update(func(tc *ToolContext) {
			tc.LastExecuteResult = &ExecuteResult{Data: res.Value}
		})
		fmt.Fprintf(&sb, "\nResult: <%d characters of undecodable base64-like data>\n\nResult stored. Use save_to_volume to save it.", len(text))
	case len(text) > tb.PreviewChars:
		env.Update(func(tc *ToolContext) {
			tc.LastExecuteResult = &ExecuteResult{Data: res.Value}
		})
		fmt.Fprintf(&sb, "\nResult: <%d characters of data>\n\nThe result is large. Use save_to_volume to save it.", len(text))
	default:
		sb.WriteString("\nResult: ")
		sb.WriteString(text)
	}
	return sb.String()
}

type executeBashArgs struct {
	Command string  `json:"command"`
	Timeout seconds `json:"timeout"`
}

func (a *executeBashArgs) validate() error {
	if strings.TrimSpace(a.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

func registerExecuteBash(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: ToolExecuteBash,
			Description: "Run a shell command with bash. Commands of one conversation share a working directory, so files written by one command are visible to the next. " +
				"`python` resolves to python3. Output is cut to the last part of each stream.",
			Parameters: objectSchema(map[string]interface{}{
				"command": stringProp("The command to run."),
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Timeout in seconds (default 60, max 600).",
				},
			}, "command"),
		},
		Handler: Typed(ToolExecuteBash, func(ctx context.Context, env *ToolEnv, args executeBashArgs) (string, error) {
			var dir string
			var err error
			env.Update(func(tc *ToolContext) {
				dir, err = tb.Workdirs.Ensure(tc.BashWorkingDirectory)
				if err == nil {
					tc.BashWorkingDirectory = dir
				}
			})
			if err != nil {
				return "", err
			}

			timeout := tb.Shell.Timeout(int(args.Timeout))
			res, err := tb.Shell.Run(ctx, args.Command, dir, timeout)
			if err != nil {
				return "", err
			}
			out := res.Output()
			if res.TimedOut {
				msg := fmt.Sprintf("command timed out after %s", timeout)
				if out != "" {
					msg += "\nPartial output:\n" + out
				}
				return "", errors.New(msg)
			}

			var sb strings.Builder
			if out == "" {
				sb.WriteString("(no output)")
			} else {
				sb.WriteString(out)
			}
			if res.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", res.ExitCode)
			}
			fmt.Fprintf(&sb, "\n[Working directory: %s]", res.Dir)
			return sb.String(), nil
		}),
	})
}

type saveArgs struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
	ContentType   string `json:"content_type"`
}

func (a *saveArgs) validate() error {
	if strings.TrimSpace(a.Filename) == "" {
		return errors.New("filename is required")
	}
	return nil
}

func registerSaveToVolume(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: ToolSaveToVolume,
			Description: "Save a file to this conversation's output folder. Omit content_base64 to save the result kept by the last execute_javascript call. " +
				"An absolute filename is written as given.",
			Parameters: objectSchema(map[string]interface{}{
				"filename":       stringProp("File name, e.g. report.docx."),
				"content_base64": stringProp("File content, base64 encoded. Optional."),
				"content_type":   stringProp("MIME type. Detected from the content when omitted."),
			}, "filename"),
		},
		Handler: Typed(ToolSaveToVolume, func(ctx context.Context, env *ToolEnv, args saveArgs) (string, error) {
			var data []byte
			if strings.TrimSpace(args.ContentBase64) != "" {
				decoded, err := decodeBase64(args.ContentBase64)
				if err != nil {
					return "", fmt.Errorf("invalid content_base64 payload: %w", err)
				}
				data = decoded
			} else {
				cached := env.Snapshot().LastExecuteResult
				if cached == nil {
					return "", errors.New("no content_base64 given and no stored execute_javascript result to save")
				}
				data = cached.Data
			}

			p, err := tb.Volume.Save(ctx, env.SessionID, args.Filename, data, args.ContentType)
			if err != nil {
				return "", fmt.Errorf("failed to save file: %w", err)
			}
			if strings.TrimSpace(args.ContentBase64) == "" {
				env.Update(func(tc *ToolContext) { tc.LastExecuteResult = nil })
			}
			return "File saved: " + p, nil
		}),
	})
}

// decodeBase64 decodes standard base64, tolerating surrounding whitespace,
// embedded newlines and a data: URL prefix.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.Join(strings.Fields(s), "")
	var firstErr error
	for _, enc := range base64Encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// base64Encodings are tried in order: padded standard first, then the
// unpadded and URL-safe variants models sometimes emit.
var base64Encodings = []*base64.Encoding{
	base64.StdEncoding.Strict(),
	base64.RawStdEncoding.Strict(),
	base64.URLEncoding.Strict(),
	base64.RawURLEncoding.Strict(),
}

type readArgs struct {
	Filename string `json:"filename"`
}

func (a *readArgs) validate() error {
	if strings.TrimSpace(a.Filename) == "" {
		return errors.New("filename is required")
	}
	return nil
}

func registerReadFromVolume(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: ToolReadFromVolume,
			Description: "Read a file from this conversation's output folder, or from an absolute path. " +
				"The content becomes available to the next execute_javascript call as source_doc_bytes and source_doc_base64.",
			Parameters: objectSchema(map[string]interface{}{
				"filename": stringProp("File name in the output folder, or an absolute path."),
			}, "filename"),
		},
		Handler: Typed(ToolReadFromVolume, func(ctx context.Context, env *ToolEnv, args readArgs) (string, error) {
			p, data, err := tb.Volume.Read(ctx, env.SessionID, args.Filename)
			if errors.Is(err, storage.ErrNotFound) {
				return "", fmt.Errorf("file not found: %s", p)
			}
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			env.Update(func(tc *ToolContext) {
				tc.LastReadPayload = &ReadPayload{
					Filename: path.Base(filepath.ToSlash(p)),
					Path:     p,
					Content:  data,
					Size:     len(data),
				}
			})
			return fmt.Sprintf("File read (%d bytes). Available as source_doc_bytes/source_doc_base64.", len(data)), nil
		}),
	})
}

type copyArgs struct {
	SourcePath      string `json:"source_path"`
	SourceSessionID string `json:"source_session_id"`
	Filename        string `json:"filename"`
	TargetFilename  string `json:"target_filename"`
}

func registerCopyToSession(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolCopyToSession,
			Description: "Copy a file from another conversation's output folder into this one. Give either source_path, or source_session_id and filename.",
			Parameters: objectSchema(map[string]interface{}{
				"source_path":       stringProp("Full path of the file to copy."),
				"source_session_id": stringProp("Session id of the folder to copy from."),
				"filename":          stringProp("File name inside the source session folder."),
				"target_filename":   stringProp("Name for the copy. Defaults to the source file name."),
			}),
		},
		Handler: Typed(ToolCopyToSession, func(ctx context.Context, env *ToolEnv, args copyArgs) (string, error) {
			_, dst, err := tb.Volume.CopyToSession(ctx, env.SessionID, storage.CopyRequest{
				SourcePath:      args.SourcePath,
				SourceSessionID: args.SourceSessionID,
				Filename:        args.Filename,
				TargetFilename:  args.TargetFilename,
			})
			if errors.Is(err, storage.ErrNotFound) {
				return "", errors.New("source file not found")
			}
			if err != nil {
				return "", err
			}
			return "Copied: " + dst, nil
		}),
	})
}

type listArgs struct {
	Path string `json:"path"`
}

func registerListVolumeFiles(reg *ToolRegistry, tb *Toolbox) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolListVolumeFiles,
			Description: "List files, recursively, in this conversation's output folder or under an absolute path.",
			Parameters: objectSchema(map[string]interface{}{
				"path": stringProp("Directory to list. Defaults to the output folder."),
			}),
		},
		Handler: Typed(ToolListVolumeFiles, func(ctx context.Context, env *ToolEnv, args listArgs) (string, error) {
			dir, files, err := tb.Volume.List(ctx, env.SessionID, args.Path)
			if err != nil {
				return "", fmt.Errorf("failed to list files: %w", err)
			}
			if len(files) == 0 {
				return "No files in " + dir, nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Files in %s:", dir)
			for _, f := range files {
				fmt.Fprintf(&sb, "\n- %s (%d bytes)", f.Name, f.Size)
			}
			return sb.String(), nil
		}),
	})
}
