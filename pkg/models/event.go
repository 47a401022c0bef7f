package models

import "time"

// EventType enumerates the SSE event vocabulary.
type EventType string

const (
	EventMessage            EventType = "message"
	EventContentDelta       EventType = "content_delta"
	EventCheckpoint         EventType = "checkpoint"
	EventReasoningStart     EventType = "reasoning_start"
	EventReasoningDelta     EventType = "reasoning_delta"
	EventReasoningEnd       EventType = "reasoning_end"
	EventToolCallStart      EventType = "tool_call_start"
	EventToolCallEnd        EventType = "tool_call_end"
	EventFileEdit           EventType = "file_edit"
	EventApprovalRequired   EventType = "approval_required"
	EventAgentDone          EventType = "agent_done"
	EventVerificationIssues EventType = "verification_issues"
	EventObservationStatus  EventType = "observation_status"
	EventPlanReady          EventType = "plan_ready"
	EventPlanUpdated        EventType = "plan_updated"
	EventPlanConflict       EventType = "plan_conflict"
	EventPlanApproved       EventType = "plan_approved"
	EventSubAgentStart      EventType = "sub_agent_start"
	EventSubAgentProgress   EventType = "sub_agent_progress"
	EventSubAgentToolCall   EventType = "sub_agent_tool_call"
	EventSubAgentEnd        EventType = "sub_agent_end"
	EventError              EventType = "error"
	EventMessageEdited      EventType = "message_edited"
	EventChatTitleUpdated   EventType = "chat_title_updated"
	EventContextUpdate      EventType = "context_update"
	EventHeartbeat          EventType = "heartbeat"
)

// Event is one bus entry delivered to SSE subscribers. ChatID, Timestamp,
// and Sequence are stamped by the bus at publish time; callers set only
// Type and Payload.
type Event struct {
	Type      EventType      `json:"type"`
	ChatID    string         `json:"chatId"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent builds an unstamped event with the given type and payload.
func NewEvent(t EventType, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{Type: t, Payload: payload}
}
