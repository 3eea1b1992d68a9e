// Package planner defines the narrow collaborator the Agent Orchestrator
// asks for content judgment and generation (spec §6): scoring a
// candidate's relevance, drafting a reply, and drafting a new post. The
// Orchestrator never depends on a concrete model backend directly — only
// on this interface — so a stub, a local model, or a hosted API can sit
// behind it without touching pkg/agent.
package planner

import "context"

// Persona is the opaque voice/style profile a Planner uses to draft
// content. The Orchestrator treats it as configuration it passes through
// unexamined.
type Persona struct {
	Name       string
	Bio        string
	TopicHints []string
	Tone       string
}

// Planner is the narrow interface spec §6 describes: score_relevance,
// generate_reply, generate_post. A failing Planner call is never fatal to
// the Orchestrator's loop — callers treat an error the same as a neutral
// score or an empty/skipped generation (spec §6, §7).
type Planner interface {
	// ScoreRelevance rates text's relevance to topicHints on a 0-100
	// scale. Implementations should prefer returning a low-but-valid
	// score over an error when uncertain, since the Orchestrator's
	// fallback for an error is the same as for a score of 0.
	ScoreRelevance(ctx context.Context, text string, topicHints []string) (int, error)

	// GenerateReply drafts a reply to the given context in persona's
	// voice.
	GenerateReply(ctx context.Context, replyContext string, persona Persona) (string, error)

	// GeneratePost drafts new content of the given kind (e.g.
	// "tweet", "thread") in persona's voice from inputs. A thread
	// yields more than one string; a single tweet yields exactly one.
	GeneratePost(ctx context.Context, kind string, persona Persona, inputs []string) ([]string, error)
}

// NoopPlanner is a deterministic, dependency-free Planner: every score is
// neutral and every generation is skipped. It satisfies spec §6's note
// that Planner is optional and its absence degrades gracefully, and is
// the default wired into the Orchestrator when no model-backed Planner is
// configured.
type NoopPlanner struct{}

// NeutralScore is the score NoopPlanner always returns — low enough that
// an Orchestrator configured to only act on clearly-relevant candidates
// will skip everything, which is the conservative default absent a real
// Planner.
const NeutralScore = 0

func (NoopPlanner) ScoreRelevance(_ context.Context, _ string, _ []string) (int, error) {
	return NeutralScore, nil
}

func (NoopPlanner) GenerateReply(_ context.Context, _ string, _ Persona) (string, error) {
	return "", nil
}

func (NoopPlanner) GeneratePost(_ context.Context, _ string, _ Persona, _ []string) ([]string, error) {
	return nil, nil
}
