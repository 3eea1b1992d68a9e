package planner

import (
	"context"
	"testing"
)

func TestNoopPlanner_ScoreRelevanceIsNeutral(t *testing.T) {
	var p Planner = NoopPlanner{}

	score, err := p.ScoreRelevance(context.Background(), "anything", []string{"topic"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if score != NeutralScore {
		t.Fatalf("expected neutral score %d, got %d", NeutralScore, score)
	}
}

func TestNoopPlanner_GenerateReplyIsEmpty(t *testing.T) {
	var p Planner = NoopPlanner{}

	reply, err := p.GenerateReply(context.Background(), "some context", Persona{Name: "bot"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if reply != "" {
		t.Fatalf("expected an empty reply from the no-op planner, got %q", reply)
	}
}

func TestNoopPlanner_GeneratePostIsNil(t *testing.T) {
	var p Planner = NoopPlanner{}

	post, err := p.GeneratePost(context.Background(), "tweet", Persona{}, []string{"input"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if post != nil {
		t.Fatalf("expected no generated post, got %v", post)
	}
}
