package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dotsetgreg/contextd/pkg/logger"
)

// extractionRule maps a sentence pattern to a memory category. The first
// capture group is the memory content.
type extractionRule struct {
	pattern    *regexp.Regexp
	category   Category
	importance float64
	confidence float64
	source     Source
	tags       []string
}

var extractionRules = []extractionRule{
	{
		pattern:    regexp.MustCompile(`(?i)\bremember (?:that )?(.{8,240})`),
		category:   CategoryFacts,
		importance: 0.8,
		confidence: 0.9,
		source:     SourceExplicit,
		tags:       []string{"explicit"},
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(?:i|we) (?:prefer|like|want|always use) (.{4,200})`),
		category:   CategoryPreferences,
		importance: 0.6,
		confidence: 0.7,
		source:     SourceImplicit,
		tags:       []string{"preference"},
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(?:never|don't|do not|avoid) (.{4,200})`),
		category:   CategoryRules,
		importance: 0.7,
		confidence: 0.6,
		source:     SourceImplicit,
		tags:       []string{"rule"},
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(?:always|make sure to|be sure to) (.{4,200})`),
		category:   CategoryRules,
		importance: 0.65,
		confidence: 0.6,
		source:     SourceImplicit,
		tags:       []string{"rule"},
	},
	{
		pattern:    regexp.MustCompile(`(?i)\bmy (?:name|email|timezone|company|team) is (.{2,120})`),
		category:   CategoryFacts,
		importance: 0.75,
		confidence: 0.85,
		source:     SourceImplicit,
		tags:       []string{"identity"},
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(?:we decided|decision:|agreed) (?:that |to )?(.{6,240})`),
		category:   CategoryContext,
		importance: 0.7,
		confidence: 0.75,
		source:     SourceImplicit,
		tags:       []string{"decision"},
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(?:learned|figured out|turns out) (?:that )?(.{6,240})`),
		category:   CategorySkills,
		importance: 0.6,
		confidence: 0.6,
		source:     SourceImplicit,
		tags:       []string{"lesson"},
	},
}

// Extractor turns session events into memory candidates. The regex
// battery always runs; a Completer, when configured, adds schema-guided
// extraction on top.
type Extractor struct {
	completer Completer
	schemas   []TopicSchema
}

// TopicSchema guides completion-based extraction toward one topic.
type TopicSchema struct {
	Topic      string
	Category   Category
	Hint       string
	Importance float64
}

func DefaultTopicSchemas() []TopicSchema {
	return []TopicSchema{
		{Topic: "preferences", Category: CategoryPreferences, Hint: "stable user preferences about tools, style, workflow", Importance: 0.6},
		{Topic: "facts", Category: CategoryFacts, Hint: "durable facts about the user, project or environment", Importance: 0.7},
		{Topic: "rules", Category: CategoryRules, Hint: "constraints and policies the user stated", Importance: 0.7},
	}
}

func NewExtractor(completer Completer, schemas []TopicSchema) *Extractor {
	return &Extractor{completer: completer, schemas: schemas}
}

// Extract produces deduplicated candidates from a batch of events. Tool
// traffic and system events carry no memory-worthy prose and are skipped.
func (e *Extractor) Extract(ctx context.Context, events []SessionEvent) []Candidate {
	candidates := []Candidate{}
	for _, ev := range events {
		if ev.Type != EventUserMessage && ev.Type != EventModelMessage {
			continue
		}
		candidates = append(candidates, extractWithRules(ev)...)
	}
	if e.completer != nil && len(e.schemas) > 0 {
		candidates = append(candidates, e.extractWithCompleter(ctx, events)...)
	}
	return dedupCandidates(candidates)
}

func extractWithRules(ev SessionEvent) []Candidate {
	out := []Candidate{}
	for _, rule := range extractionRules {
		for _, match := range rule.pattern.FindAllStringSubmatch(ev.Content, 4) {
			content := normalizeCandidate(match[1])
			if content == "" {
				continue
			}
			source := rule.source
			if ev.Type == EventModelMessage && source == SourceExplicit {
				source = SourceImplicit
			}
			out = append(out, Candidate{
				Content:       content,
				Category:      rule.category,
				Importance:    rule.importance,
				Tags:          rule.tags,
				Confidence:    rule.confidence,
				Source:        source,
				SourceEventID: ev.ID,
			})
		}
	}
	return out
}

// extractWithCompleter asks the completion model for JSON candidates per
// topic schema. Malformed output is logged and dropped, never fatal: the
// regex battery already produced a baseline.
func (e *Extractor) extractWithCompleter(ctx context.Context, events []SessionEvent) []Candidate {
	transcript := buildTranscript(events)
	if strings.TrimSpace(transcript) == "" {
		return nil
	}
	out := []Candidate{}
	for _, schema := range e.schemas {
		prompt := fmt.Sprintf(`Extract %s from the conversation below.
Focus: %s.
Reply with a JSON array of objects {"content": string, "importance": number 0..1}. Reply [] if nothing qualifies.

Conversation:
%s`, schema.Topic, schema.Hint, transcript)

		raw, err := e.completer.Complete(ctx, prompt)
		if err != nil {
			logger.WarnCF("extractor", "completion extraction failed", map[string]interface{}{
				"topic": schema.Topic,
				"error": err.Error(),
			})
			continue
		}
		var parsed []struct {
			Content    string  `json:"content"`
			Importance float64 `json:"importance"`
		}
		if err := json.Unmarshal([]byte(extractJSONArray(raw)), &parsed); err != nil {
			logger.DebugCF("extractor", "unparseable completion output", map[string]interface{}{
				"topic": schema.Topic,
			})
			continue
		}
		for _, p := range parsed {
			content := normalizeCandidate(p.Content)
			if content == "" {
				continue
			}
			importance := p.Importance
			if importance <= 0 || importance > 1 {
				importance = schema.Importance
			}
			out = append(out, Candidate{
				Content:    content,
				Category:   schema.Category,
				Importance: importance,
				Tags:       []string{schema.Topic},
				Confidence: 0.65,
				Source:     SourceImplicit,
			})
		}
	}
	return out
}

// extractJSONArray tolerates models wrapping JSON in prose or fences.
func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return "[]"
	}
	return raw[start : end+1]
}

func normalizeCandidate(content string) string {
	content = strings.TrimSpace(content)
	content = strings.Trim(content, `"'`)
	content = strings.TrimRight(content, ".!? ")
	if len(content) < 4 {
		return ""
	}
	if len(content) > 400 {
		content = content[:400]
	}
	return content
}

// dedupCandidates collapses candidates with identical normalized content,
// keeping the highest-confidence instance.
func dedupCandidates(in []Candidate) []Candidate {
	byKey := map[string]int{}
	out := []Candidate{}
	for _, c := range in {
		key := strings.ToLower(c.Content)
		if idx, ok := byKey[key]; ok {
			if c.Confidence > out[idx].Confidence {
				out[idx] = c
			}
			continue
		}
		byKey[key] = len(out)
		out = append(out, c)
	}
	return out
}
