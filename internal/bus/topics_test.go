package bus

import "testing"

func TestTopicConstants_NonEmptyAndUnique(t *testing.T) {
	topics := []string{
		TopicTaskQueued, TopicTaskAssigned, TopicTaskActive, TopicTaskCompleted,
		TopicTaskFailed, TopicTaskRequeued,
		TopicAgentRegistered, TopicAgentDisconnected, TopicAgentUnresponsive,
		TopicContextUpdated, TopicRouterRebalance, TopicDelegationCreated,
		TopicDashboardAgentUpdate, TopicDashboardNewTask, TopicDashboardTaskComplete,
		TopicDashboardCollaboration, TopicDashboardWorkAvailable,
	}
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("topic constant is empty")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic constant: %q", topic)
		}
		seen[topic] = true
	}
}

func TestTaskStateChangedEvent_RoundTrip(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskAssigned)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskAssigned, TaskStateChangedEvent{
		TaskID: "task_1", AgentID: "agent-a", OldStatus: "queued", NewStatus: "assigned",
	})

	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(TaskStateChangedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want TaskStateChangedEvent", ev.Payload)
		}
		if got.TaskID != "task_1" || got.NewStatus != "assigned" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	default:
		t.Fatal("expected buffered event to be immediately available")
	}
}

func TestRebalanceHintEvent_Fields(t *testing.T) {
	hint := RebalanceHintEvent{AgentID: "agent-a", Current: 5, Recommended: 2}
	if hint.AgentID == "" || hint.Current <= hint.Recommended {
		t.Fatalf("unexpected rebalance hint: %+v", hint)
	}
}
