package health

import (
	"testing"

	"aimanager/internal/messages"
)

func TestClassifyHealthyByDefault(t *testing.T) {
	c := NewChecker()
	status := c.Classify(messages.LLMServiceID, 0)
	if status.Status != messages.HealthHealthy {
		t.Fatalf("status = %v, want healthy", status.Status)
	}
}

func TestClassifyUnhealthyAboveErrorThreshold(t *testing.T) {
	c := NewChecker()
	for i := 0; i < 11; i++ {
		c.RecordError(messages.LLMServiceID)
	}
	status := c.Classify(messages.LLMServiceID, 0)
	if status.Status != messages.HealthUnhealthy {
		t.Fatalf("status = %v, want unhealthy", status.Status)
	}
}

func TestClassifyDegradedAboveQueueThreshold(t *testing.T) {
	c := NewChecker()
	status := c.Classify(messages.LLMServiceID, 101)
	if status.Status != messages.HealthDegraded {
		t.Fatalf("status = %v, want degraded", status.Status)
	}
}

func TestClassifyDegradedAfterConsecutiveMisses(t *testing.T) {
	c := NewChecker()
	c.RecordProbeMiss(messages.LLMServiceID)
	c.RecordProbeMiss(messages.LLMServiceID)
	c.RecordProbeMiss(messages.LLMServiceID)
	status := c.Classify(messages.LLMServiceID, 0)
	if status.Status != messages.HealthDegraded {
		t.Fatalf("status = %v, want degraded", status.Status)
	}
}

func TestRecordProbeSuccessResetsMisses(t *testing.T) {
	c := NewChecker()
	c.RecordProbeMiss(messages.LLMServiceID)
	c.RecordProbeMiss(messages.LLMServiceID)
	c.RecordProbeSuccess(messages.LLMServiceID)
	status := c.Classify(messages.LLMServiceID, 0)
	if status.Status != messages.HealthHealthy {
		t.Fatalf("status = %v, want healthy after reset", status.Status)
	}
}
