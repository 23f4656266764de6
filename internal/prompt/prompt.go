// Package prompt assembles the initial agent prompt, picks the runner flavor
// and model, and derives the permission policy for a new session. Label rules
// are scanned in declaration order; the first match wins.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/platform"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

// Builder errors.
var (
	ErrMissingTemplate        = errors.New("prompt template missing")
	ErrUnresolvableRepository = errors.New("repository cannot be resolved")
)

// TurnSeparator joins the prior prompt and a follow-up body when a
// non-streaming runner respawns with extended context.
const TurnSeparator = "\n\n---\n\nFollow-up from the user:\n\n"

// TriggerKind is the event family that started the session; it selects the
// default template.
type TriggerKind string

const (
	TriggerAssignment     TriggerKind = "assignment"
	TriggerComment        TriggerKind = "comment"
	TriggerMention        TriggerKind = "mention"
	TriggerSessionCreated TriggerKind = "session"
)

// Default templates per trigger kind.
var defaultTemplates = map[TriggerKind]string{
	TriggerAssignment: "You have been assigned issue {{issue.identifier}}: {{issue.title}}\n\n" +
		"{{issue.description}}\n\nWork in {{workspace.path}}.",
	TriggerComment: "New comment on issue {{issue.identifier}} ({{issue.title}}):\n\n" +
		"{{comment.body}}\n\nWork in {{workspace.path}}.",
	TriggerMention: "You were mentioned on issue {{issue.identifier}} ({{issue.title}}):\n\n" +
		"{{comment.body}}\n\nWork in {{workspace.path}}.",
	TriggerSessionCreated: "{{comment.body}}",
}

// Input carries everything the builder needs for one session.
type Input struct {
	Issue       *platform.Issue
	CommentBody string
	Repository  *config.RepositoryConfig
	// Attachments maps referenced file names to resolved local paths.
	Attachments map[string]string
	Workspace   string
	Trigger     TriggerKind
	// ExplicitFlavor set by a prior event wins over label rules.
	ExplicitFlavor string
	ExplicitModel  string
}

// Output is the assembled prompt plus runner selection and policy.
type Output struct {
	Prompt string
	Flavor agent.Flavor
	Model  string
	Policy agent.PermissionPolicy
}

// Builder resolves templates and runner selection against repository config.
type Builder struct {
	logger   *logger.Logger
	defaults config.RunnerConfig
	// templates holds named templates from config; label rules reference them
	// by name, falling back to treating the rule value as an inline template.
	templates map[string]string
}

// NewBuilder creates a builder with the given runner defaults and named
// templates.
func NewBuilder(defaults config.RunnerConfig, templates map[string]string, log *logger.Logger) *Builder {
	if templates == nil {
		templates = map[string]string{}
	}
	return &Builder{
		logger:    log.WithFields(zap.String("component", "prompt-builder")),
		defaults:  defaults,
		templates: templates,
	}
}

// Build produces the prompt, runner selection and permission policy.
func (b *Builder) Build(in Input) (Output, error) {
	if in.Repository == nil {
		return Output{}, ErrUnresolvableRepository
	}
	if in.Issue == nil {
		return Output{}, fmt.Errorf("%w: no work item", ErrMissingTemplate)
	}

	rule := b.matchLabelRule(in)
	template, err := b.resolveTemplate(in, rule)
	if err != nil {
		return Output{}, err
	}

	out := Output{
		Prompt: b.render(template, in),
		Flavor: b.selectFlavor(in, rule),
		Model:  b.selectModel(in, rule),
		Policy: b.buildPolicy(in.Repository, rule),
	}
	return out, nil
}

// matchLabelRule scans the work item's labels in declaration order against the
// repository's rules; first match wins.
func (b *Builder) matchLabelRule(in Input) *config.LabelRule {
	for _, label := range in.Issue.Labels {
		for i := range in.Repository.LabelPrompts {
			rule := &in.Repository.LabelPrompts[i]
			if strings.EqualFold(rule.Label, label) {
				b.logger.Debug("label rule matched",
					zap.String("label", label),
					zap.String("flavor", rule.RunnerFlavor))
				return rule
			}
		}
	}
	return nil
}

func (b *Builder) resolveTemplate(in Input, rule *config.LabelRule) (string, error) {
	if rule != nil && rule.PromptTemplate != "" {
		if named, ok := b.templates[rule.PromptTemplate]; ok {
			return named, nil
		}
		// Treat the rule value as an inline template when no named template
		// exists.
		if strings.Contains(rule.PromptTemplate, "{{") {
			return rule.PromptTemplate, nil
		}
		return "", fmt.Errorf("%w: %q", ErrMissingTemplate, rule.PromptTemplate)
	}
	if tpl, ok := defaultTemplates[in.Trigger]; ok {
		return tpl, nil
	}
	return defaultTemplates[TriggerSessionCreated], nil
}

func (b *Builder) selectFlavor(in Input, rule *config.LabelRule) agent.Flavor {
	if in.ExplicitFlavor != "" {
		return agent.Flavor(in.ExplicitFlavor)
	}
	if rule != nil && rule.RunnerFlavor != "" {
		return agent.Flavor(rule.RunnerFlavor)
	}
	if in.Repository.RunnerFlavor != "" {
		return agent.Flavor(in.Repository.RunnerFlavor)
	}
	return agent.Flavor(b.defaults.DefaultFlavor)
}

func (b *Builder) selectModel(in Input, rule *config.LabelRule) string {
	if in.ExplicitModel != "" {
		return in.ExplicitModel
	}
	if rule != nil && rule.Model != "" {
		return rule.Model
	}
	if in.Repository.Model != "" {
		return in.Repository.Model
	}
	return b.defaults.DefaultModel
}

func (b *Builder) buildPolicy(repo *config.RepositoryConfig, rule *config.LabelRule) agent.PermissionPolicy {
	policy := agent.PermissionPolicy{
		ApprovalMode:    repo.ApprovalMode,
		SandboxLevel:    repo.SandboxLevel,
		AllowedTools:    repo.AllowedTools,
		DisallowedTools: repo.DisallowTools,
	}
	if rule != nil {
		if rule.ApprovalMode != "" {
			policy.ApprovalMode = rule.ApprovalMode
		}
		if rule.SandboxLevel != "" {
			policy.SandboxLevel = rule.SandboxLevel
		}
		if len(rule.AllowedTools) > 0 {
			policy.AllowedTools = rule.AllowedTools
		}
	}
	return policy
}

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z.]+)\}\}`)

// render substitutes {{placeholders}}; unresolved ones are left literal and
// logged.
func (b *Builder) render(template string, in Input) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.Trim(match, "{}")
		if value, ok := b.resolvePlaceholder(key, in); ok {
			return value
		}
		b.logger.Warn("unresolved prompt placeholder", zap.String("placeholder", key))
		return match
	})
}

func (b *Builder) resolvePlaceholder(key string, in Input) (string, bool) {
	switch key {
	case "issue.identifier":
		return in.Issue.Identifier, true
	case "issue.title":
		return in.Issue.Title, true
	case "issue.description":
		return in.Issue.Description, true
	case "comment.body":
		return in.CommentBody, true
	case "workspace.path":
		return in.Workspace, true
	case "attachments.manifest":
		return attachmentManifest(in.Attachments), true
	}
	return "", false
}

func attachmentManifest(attachments map[string]string) string {
	if len(attachments) == 0 {
		return "(no attachments)"
	}
	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	// Deterministic order for prompt stability.
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, attachments[name])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ExtendPrompt concatenates a follow-up body onto a prior prompt with the turn
// separator, for respawning non-streaming runners.
func ExtendPrompt(prior, followUp string) string {
	if prior == "" {
		return followUp
	}
	return prior + TurnSeparator + followUp
}
