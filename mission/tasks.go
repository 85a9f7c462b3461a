package mission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// ReportedTask is one task as an agent reports it
type ReportedTask struct {
	ID       string `json:"id" jsonschema:"required,minLength=1,description=Stable task id"`
	Subject  string `json:"subject" jsonschema:"required,minLength=1,description=What the task is about"`
	State    string `json:"state" jsonschema:"required,minLength=1,description=pending | in_progress | completed | blocked"`
	Assignee string `json:"assignee,omitempty" jsonschema:"description=Who works on the task"`
}

var (
	schemaOnce     sync.Once
	taskSchemaJSON json.RawMessage
	taskSchema     *gojsonschema.Schema
	schemaErr      error
)

// TaskSchema returns the JSON schema of a reported task
func TaskSchema() json.RawMessage {
	loadSchema()
	return taskSchemaJSON
}

func loadSchema() {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			DoNotReference:            true,
			ExpandedStruct:            true,
			AllowAdditionalProperties: true,
		}
		schema := reflector.Reflect(&ReportedTask{})
		// validated as draft-07 by gojsonschema
		schema.Version = ""
		schema.ID = ""
		data, err := json.Marshal(schema)
		if err != nil {
			schemaErr = fmt.Errorf("generate task schema: %w", err)
			return
		}
		taskSchemaJSON = data
		taskSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	})
}

// ValidationError lists why a reported task was rejected
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid task: " + strings.Join(e.Errors, "; ")
}

// ValidateTask checks one raw task entry against the task schema
func ValidateTask(raw json.RawMessage) (ReportedTask, error) {
	var task ReportedTask
	loadSchema()
	if schemaErr != nil {
		return task, schemaErr
	}
	result, err := taskSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return task, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return task, &ValidationError{Errors: msgs}
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return task, fmt.Errorf("decode task: %w", err)
	}
	if _, ok := ParseState(task.State); !ok {
		return task, &ValidationError{Errors: []string{fmt.Sprintf("state: unknown value %q", task.State)}}
	}
	return task, nil
}

// Extracted is a task list found in a tool call's input
type Extracted struct {
	Team  string
	Tasks []ReportedTask
}

// ExtractTasks looks for an agent task list in a tool call's raw input. It
// understands {"tasks": [...]} with id/taskId, subject/content/title,
// state/status and assignee/owner keys, and TodoWrite style {"todos": [...]}
// whose ids are derived from the content when missing.
func ExtractTasks(rawInput map[string]any) (Extracted, bool) {
	var out Extracted
	out.Team = firstString(rawInput, "team", "team_name", "teamName")

	var list []any
	var ok bool
	if list, ok = rawInput["tasks"].([]any); !ok {
		if list, ok = rawInput["todos"].([]any); !ok {
			return out, false
		}
	}

	for _, item := range list {
		entry, isMap := item.(map[string]any)
		if !isMap {
			continue
		}
		task := ReportedTask{
			ID:       firstString(entry, "id", "taskId", "task_id"),
			Subject:  firstString(entry, "subject", "content", "title", "description"),
			State:    firstString(entry, "state", "status"),
			Assignee: firstString(entry, "assignee", "owner"),
		}
		if task.Subject == "" {
			continue
		}
		if task.ID == "" {
			task.ID = contentID(task.Subject)
		}
		if task.State == "" {
			task.State = string(StatePending)
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func contentID(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return "todo-" + hex.EncodeToString(sum[:6])
}
