package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/docagent/checkpoint"
	"github.com/martinemde/docagent/sandbox"
)

// Checkpointer encodes ConversationState into a checkpoint.Store.
type Checkpointer struct {
	store checkpoint.Store
}

// NewCheckpointer wraps store.
func NewCheckpointer(store checkpoint.Store) *Checkpointer {
	return &Checkpointer{store: store}
}

// Load returns the saved state of threadID, or a fresh state when none
// exists.
func (c *Checkpointer) Load(ctx context.Context, threadID string) (*ConversationState, error) {
	data, err := c.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return NewConversationState(threadID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", threadID, err)
	}
	var st ConversationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", threadID, err)
	}
	st.ThreadID = threadID
	return &st, nil
}

// Save stores st under its thread id.
func (c *Checkpointer) Save(ctx context.Context, st *ConversationState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", st.ThreadID, err)
	}
	if err := c.store.Save(ctx, st.ThreadID, data); err != nil {
		return fmt.Errorf("save conversation %s: %w", st.ThreadID, err)
	}
	return nil
}

// Delete forgets a thread.
func (c *Checkpointer) Delete(ctx context.Context, threadID string) error {
	return c.store.Delete(ctx, threadID)
}

// WorkdirCleanup returns an eviction callback that removes the shell
// working directory of an evicted conversation. Threads with a run in
// progress keep their workdir; the run saves the state again when it ends,
// so a later eviction removes it. locks may be nil.
func WorkdirCleanup(workdirs *sandbox.Workdirs, locks *ThreadLocks, logger *slog.Logger) checkpoint.EvictFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(threadID string, data []byte) {
		if locks != nil && locks.Held(threadID) {
			logger.Debug("evicted conversation still running, workdir kept", "thread_id", threadID)
			return
		}
		var st ConversationState
		if err := json.Unmarshal(data, &st); err != nil {
			logger.Warn("evicted checkpoint unreadable", "thread_id", threadID, "error", err)
			return
		}
		dir := st.ToolContext.BashWorkingDirectory
		if dir == "" {
			return
		}
		if err := workdirs.Remove(dir); err != nil {
			logger.Warn("remove workdir", "thread_id", threadID, "dir", dir, "error", err)
			return
		}
		logger.Debug("conversation evicted", "thread_id", threadID, "workdir", dir)
	}
}
