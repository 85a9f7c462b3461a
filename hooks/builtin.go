package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Builtin module names
const (
	ModulePresetRules = "preset-rules"
	ModuleSkillsIndex = "skills-index"
)

// BuiltinFactory builds a handler from manifest arguments
type BuiltinFactory func(args map[string]any) (Handler, error)

// Builtins returns the factories agent manifests can reference by name
func Builtins() map[string]BuiltinFactory {
	return map[string]BuiltinFactory{
		ModulePresetRules: func(map[string]any) (Handler, error) { return PresetRules(), nil },
		ModuleSkillsIndex: func(args map[string]any) (Handler, error) {
			dir, _ := args["dir"].(string)
			return SkillsIndex(dir), nil
		},
		"prepend-text": func(args map[string]any) (Handler, error) {
			text, err := stringArg(args, "text")
			if err != nil {
				return nil, err
			}
			return PrependText(text), nil
		},
		"append-text": func(args map[string]any) (Handler, error) {
			text, err := stringArg(args, "text")
			if err != nil {
				return nil, err
			}
			return AppendText(text), nil
		},
		"block-pattern": func(args map[string]any) (Handler, error) {
			pattern, err := stringArg(args, "pattern")
			if err != nil {
				return nil, err
			}
			reason, _ := args["reason"].(string)
			return BlockPattern(pattern, reason)
		},
	}
}

// DefaultHooks are the code-registered first-message hooks
func DefaultHooks(skillsDir string) []Hook {
	return []Hook{
		{Event: EventFirstMessage, Priority: 10, Module: ModulePresetRules, Enabled: true, Source: SourceBuiltin, Handler: PresetRules()},
		{Event: EventFirstMessage, Priority: 20, Module: ModuleSkillsIndex, Enabled: true, Source: SourceBuiltin, Handler: SkillsIndex(skillsDir)},
	}
}

// PresetRules splices the conversation's preset context in front of the
// message
func PresetRules() Handler {
	return HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
		preset := strings.TrimSpace(hctx.PresetContext)
		if preset == "" {
			return nil, nil
		}
		return Replace("[Assistant Rules - You MUST follow these instructions]\n" + preset + "\n\n[User Request]\n" + hctx.Content), nil
	})
}

// Skill is one entry of the skills index
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Path        string `yaml:"-"`
}

// SkillsIndex prepends a list of the enabled skills. Skills are read from
// the context's SkillsSourceDir, falling back to dir.
func SkillsIndex(dir string) Handler {
	return HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
		if len(hctx.EnabledSkills) == 0 {
			return nil, nil
		}
		root := hctx.SkillsSourceDir
		if root == "" {
			root = dir
		}
		if root == "" {
			return nil, nil
		}

		skills, err := LoadSkills(root, hctx.EnabledSkills)
		if err != nil {
			return nil, err
		}
		if len(skills) == 0 {
			return nil, nil
		}

		var b strings.Builder
		b.WriteString("[Available Skills]\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", s.Name, s.Description, s.Path)
		}
		b.WriteString("Read a skill's SKILL.md before using it.\n\n")
		b.WriteString(hctx.Content)
		return Replace(b.String()), nil
	})
}

// LoadSkills reads the SKILL.md front matter of each named skill under root.
// Missing skills are skipped; the result is sorted by name.
func LoadSkills(root string, names []string) ([]Skill, error) {
	var skills []Skill
	for _, name := range names {
		path := filepath.Join(root, name, "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read skill %s: %w", name, err)
		}
		skill, err := parseFrontMatter(data)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", name, err)
		}
		if skill.Name == "" {
			skill.Name = name
		}
		skill.Path = path
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

func parseFrontMatter(data []byte) (Skill, error) {
	var skill Skill
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(data, []byte("---")) {
		return skill, nil
	}
	rest := data[3:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return skill, errors.New("unterminated front matter")
	}
	if err := yaml.Unmarshal(rest[:end], &skill); err != nil {
		return skill, fmt.Errorf("parse front matter: %w", err)
	}
	return skill, nil
}

// PrependText puts text in front of the message
func PrependText(text string) Handler {
	return HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
		return Replace(text + hctx.Content), nil
	})
}

// AppendText puts text after the message
func AppendText(text string) Handler {
	return HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
		return Replace(hctx.Content + text), nil
	})
}

// BlockPattern blocks messages matching the regular expression
func BlockPattern(pattern, reason string) (Handler, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("block-pattern: %w", err)
	}
	if reason == "" {
		reason = "message matches blocked pattern " + pattern
	}
	return HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
		if re.MatchString(hctx.Content) {
			return Block(reason), nil
		}
		return nil, nil
	}), nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("missing string argument %q", key)
	}
	return v, nil
}
