// Package ops holds the built-in domain operations of the control surface:
// agent and task management, user messages, and window bookkeeping. Each is a
// collaborator that turns an operation payload into a document mutation;
// admission, ordering, and broadcast stay the dispatcher's job.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/automerge-sessions/pkg/server"
)

// Register wires every built-in operation into the dispatcher.
func Register(d *server.Dispatcher) {
	d.Register("create_agent", CreateAgent)
	d.Register("assign_task", AssignTask)
	d.Register("user_message", UserMessage)
	d.Register("open_window", OpenWindow)
	d.Register("close_window", CloseWindow)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// touchState refreshes the session_state block inside the document itself, the
// client-visible mirror of the server's activity tracking.
func touchState(doc *automerge.Doc, status string) error {
	if err := doc.Path("session_state", "status").Set(status); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if err := doc.Path("session_state", "last_activity").Set(nowStamp()); err != nil {
		return fmt.Errorf("failed to set last_activity: %w", err)
	}
	return nil
}

// listAt returns the list at the root key, creating it when a restored or
// client-merged document predates the key.
func listAt(doc *automerge.Doc, key string) (*automerge.List, error) {
	v, err := doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if v.Kind() != automerge.KindList {
		if err := doc.Path(key).Set([]interface{}{}); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", key, err)
		}
	}
	return doc.Path(key).List(), nil
}

func appendLog(doc *automerge.Doc, entry map[string]interface{}) error {
	logs, err := listAt(doc, "logs")
	if err != nil {
		return err
	}
	if err := logs.Append(entry); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// CreateAgent appends a new agent record and replies agent_created.
func CreateAgent(_ context.Context, _ string, payload json.RawMessage) (*server.Result, error) {
	var req struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	agent := map[string]interface{}{
		"id":           ulid.Make().String(),
		"name":         req.Name,
		"description":  req.Description,
		"instructions": req.Instructions,
		"type":         "CompositeAgent",
		"created_at":   nowStamp(),
		"tasks":        []interface{}{},
		"is_active":    true,
		"paused":       false,
		"state":        map[string]interface{}{},
	}
	return &server.Result{
		Mutate: func(doc *automerge.Doc) error {
			agents, err := listAt(doc, "agents")
			if err != nil {
				return err
			}
			if err := agents.Append(agent); err != nil {
				return fmt.Errorf("failed to append agent: %w", err)
			}
			return nil
		},
		Reply: map[string]interface{}{"type": "agent_created", "agent": agent},
	}, nil
}

// AssignTask appends a pending task to an existing agent and replies
// task_assigned. An unknown agent id is an error and changes nothing.
func AssignTask(_ context.Context, _ string, payload json.RawMessage) (*server.Result, error) {
	var req struct {
		AgentID     string `json:"agentId"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	task := map[string]interface{}{
		"id":          ulid.Make().String(),
		"agent_id":    req.AgentID,
		"description": req.Description,
		"status":      "pending",
		"created_at":  nowStamp(),
	}
	return &server.Result{
		Mutate: func(doc *automerge.Doc) error {
			agents, err := listAt(doc, "agents")
			if err != nil {
				return err
			}
			idx, err := indexOfRecord(agents, "id", req.AgentID)
			if err != nil {
				return err
			}
			if idx < 0 {
				return fmt.Errorf("agent %s not found", req.AgentID)
			}
			tasks := doc.Path("agents", idx, "tasks").List()
			if err := tasks.Append(task); err != nil {
				return fmt.Errorf("failed to append task: %w", err)
			}
			return nil
		},
		Reply: map[string]interface{}{"type": "task_assigned", "task": task, "agentId": req.AgentID},
	}, nil
}

// UserMessage logs an inbound user message and marks the session ready.
func UserMessage(_ context.Context, _ string, payload json.RawMessage) (*server.Result, error) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	entry := map[string]interface{}{
		"id":   ulid.Make().String(),
		"date": nowStamp(),
		"type": "user_message",
		"content": map[string]interface{}{
			"text": req.Message,
		},
	}
	return &server.Result{
		Mutate: func(doc *automerge.Doc) error {
			if err := appendLog(doc, entry); err != nil {
				return err
			}
			return touchState(doc, "ready")
		},
	}, nil
}

// OpenWindow appends a window record, generating an id when none is supplied.
func OpenWindow(_ context.Context, _ string, payload json.RawMessage) (*server.Result, error) {
	var req struct {
		WindowID string          `json:"window_id"`
		View     json.RawMessage `json:"view"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	id := req.WindowID
	if id == "" {
		id = ulid.Make().String()
	}
	var view interface{}
	if len(req.View) > 0 {
		if err := json.Unmarshal(req.View, &view); err != nil {
			return nil, fmt.Errorf("invalid view: %w", err)
		}
	}
	return &server.Result{
		Mutate: func(doc *automerge.Doc) error {
			windows, err := listAt(doc, "windows")
			if err != nil {
				return err
			}
			if err := windows.Append(map[string]interface{}{"id": id, "view": view}); err != nil {
				return fmt.Errorf("failed to append window: %w", err)
			}
			return nil
		},
	}, nil
}

// CloseWindow removes the named window; unknown ids are an error.
func CloseWindow(_ context.Context, _ string, payload json.RawMessage) (*server.Result, error) {
	var req struct {
		WindowID string `json:"window_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.WindowID == "" {
		return nil, fmt.Errorf("window id is required")
	}
	return &server.Result{
		Mutate: func(doc *automerge.Doc) error {
			windows, err := listAt(doc, "windows")
			if err != nil {
				return err
			}
			idx, err := indexOfRecord(windows, "id", req.WindowID)
			if err != nil {
				return err
			}
			if idx < 0 {
				return fmt.Errorf("window %s not found", req.WindowID)
			}
			if err := windows.Delete(idx); err != nil {
				return fmt.Errorf("failed to delete window: %w", err)
			}
			return nil
		},
	}, nil
}

// StartSessionMode is the join_session startup hook: it records the requested
// mode in session_state so replicas can see what surface the session runs.
func StartSessionMode(_ context.Context, _ string, payload json.RawMessage) (*server.Result, error) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.Mode == "" {
		return nil, nil
	}
	return &server.Result{
		Mutate: func(doc *automerge.Doc) error {
			if err := doc.Path("session_state", "mode").Set(req.Mode); err != nil {
				return fmt.Errorf("failed to set mode: %w", err)
			}
			return touchState(doc, "ready")
		},
	}, nil
}

// indexOfRecord scans a list of map records for the first whose field matches
// value, returning -1 when absent.
func indexOfRecord(list *automerge.List, field, value string) (int, error) {
	n := list.Len()
	for i := 0; i < n; i++ {
		v, err := list.Get(i)
		if err != nil {
			return -1, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		fv, err := v.Map().Get(field)
		if err != nil {
			return -1, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		if fv.Kind() == automerge.KindStr && fv.Str() == value {
			return i, nil
		}
	}
	return -1, nil
}
