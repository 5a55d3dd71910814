// Package messages defines the closed tagged unions that flow across
// the event bus: inter-service [ServiceMessage] values and lifecycle
// [SystemEvent] values. Every payload field is a value type — nothing
// that crosses the bus shares mutable state with its sender.
//
// Go has no native sum type, so each union is modeled as a struct with
// a discriminant Kind field and one non-nil payload pointer per
// variant (the same "oneof" shape used by generated protobuf code).
// Adding a variant means adding a Kind constant, a payload struct, a
// field on the union struct, and a constructor — and updating the
// routing table in internal/bus, per spec.
package messages

import (
	"time"

	"github.com/google/uuid"
)

// ServiceID identifies a registered service. It is an opaque non-empty
// string; uniqueness among concurrently registered services is
// enforced by the bus, not by this type.
type ServiceID string

// Well-known service identifiers used by the routing table and by the
// reference collaborator implementations in this module.
const (
	CoreServiceID     ServiceID = "core"
	LLMServiceID      ServiceID = "llm"
	DataServiceID     ServiceID = "data"
	ExternalServiceID ServiceID = "external"
	UIServiceID       ServiceID = "ui"
)

// Kind discriminates which payload field of a ServiceMessage is set.
type Kind string

const (
	KindUserInput             Kind = "user_input"
	KindSystemResponse        Kind = "system_response"
	KindLLMRequest            Kind = "llm_request"
	KindLLMResponse           Kind = "llm_response"
	KindCalendarSync          Kind = "calendar_sync"
	KindEmailProcess          Kind = "email_process"
	KindEmailQuery            Kind = "email_query"
	KindStoreConversation     Kind = "store_conversation"
	KindLoadUserProfile       Kind = "load_user_profile"
	KindUserProfileResponse   Kind = "user_profile_response"
	KindServiceHealthCheck    Kind = "service_health_check"
	KindServiceHealthResponse Kind = "service_health_response"
	KindShutdownService       Kind = "shutdown_service"
)

// ServiceMessage is the closed union of every message that can cross
// the bus. Exactly one payload field is non-nil, selected by Kind.
type ServiceMessage struct {
	Kind Kind `json:"kind"`

	UserInput             *UserInput             `json:"user_input,omitempty"`
	SystemResponse        *SystemResponse        `json:"system_response,omitempty"`
	LLMRequest            *LLMRequest            `json:"llm_request,omitempty"`
	LLMResponse           *LLMResponse           `json:"llm_response,omitempty"`
	CalendarSync          *CalendarSync          `json:"calendar_sync,omitempty"`
	EmailProcess          *EmailProcess          `json:"email_process,omitempty"`
	EmailQuery            *EmailQuery            `json:"email_query,omitempty"`
	StoreConversation     *StoreConversation     `json:"store_conversation,omitempty"`
	LoadUserProfile       *LoadUserProfile       `json:"load_user_profile,omitempty"`
	UserProfileResponse   *UserProfileResponse   `json:"user_profile_response,omitempty"`
	ServiceHealthCheck    *ServiceHealthCheck    `json:"service_health_check,omitempty"`
	ServiceHealthResponse *ServiceHealthResponse `json:"service_health_response,omitempty"`
	ShutdownService       *ShutdownService       `json:"shutdown_service,omitempty"`
}

// UserInput carries a raw message from a user-facing shell.
type UserInput struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
}

// NewUserInput builds the ServiceMessage wrapping a UserInput payload.
func NewUserInput(content, userID string, ts time.Time) ServiceMessage {
	return ServiceMessage{Kind: KindUserInput, UserInput: &UserInput{Content: content, Timestamp: ts, UserID: userID}}
}

// ResponseKind classifies a SystemResponse for UI rendering.
type ResponseKind string

const (
	ResponseInfo     ResponseKind = "info"
	ResponseSuccess  ResponseKind = "success"
	ResponseWarning  ResponseKind = "warning"
	ResponseError    ResponseKind = "error"
	ResponseThinking ResponseKind = "thinking"
)

// SystemResponse is a human-facing notification routed toward the UI.
type SystemResponse struct {
	Content   string       `json:"content"`
	Kind      ResponseKind `json:"response_kind"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewSystemResponse builds the ServiceMessage wrapping a SystemResponse payload.
func NewSystemResponse(kind ResponseKind, content string) ServiceMessage {
	return ServiceMessage{Kind: KindSystemResponse, SystemResponse: &SystemResponse{
		Content: content, Kind: kind, Timestamp: time.Now().UTC(),
	}}
}

// TokenUsage reports LLM token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMRequest asks the llm collaborator to complete a prompt.
type LLMRequest struct {
	Prompt    string    `json:"prompt"`
	Context   []string  `json:"context"`
	Provider  string    `json:"provider"`
	RequestID uuid.UUID `json:"request_id"`
}

// NewLLMRequest builds the ServiceMessage wrapping an LLMRequest payload.
func NewLLMRequest(prompt, provider string, context []string) ServiceMessage {
	return ServiceMessage{Kind: KindLLMRequest, LLMRequest: &LLMRequest{
		Prompt: prompt, Context: context, Provider: provider, RequestID: uuid.New(),
	}}
}

// LLMResponse is the llm collaborator's answer to an LLMRequest.
type LLMResponse struct {
	Content   string     `json:"content"`
	Usage     TokenUsage `json:"usage"`
	RequestID uuid.UUID  `json:"request_id"`
}

// NewLLMResponse builds the ServiceMessage wrapping an LLMResponse payload.
func NewLLMResponse(content string, usage TokenUsage, requestID uuid.UUID) ServiceMessage {
	return ServiceMessage{Kind: KindLLMResponse, LLMResponse: &LLMResponse{
		Content: content, Usage: usage, RequestID: requestID,
	}}
}

// CalendarActionKind selects which CalendarAction field set applies.
type CalendarActionKind string

const (
	ActionListEvents   CalendarActionKind = "list_events"
	ActionCreateEvent  CalendarActionKind = "create_event"
	ActionUpdateEvent  CalendarActionKind = "update_event"
	ActionDeleteEvent  CalendarActionKind = "delete_event"
)

// CalendarAction is the closed union of calendar operations. Only the
// fields relevant to Kind are populated.
type CalendarAction struct {
	Kind        CalendarActionKind `json:"kind"`
	EventID     string             `json:"event_id,omitempty"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	StartTime   *time.Time         `json:"start_time,omitempty"`
	EndTime     *time.Time         `json:"end_time,omitempty"`
}

// CalendarSync asks the external collaborator to perform a calendar action.
type CalendarSync struct {
	Action CalendarAction `json:"action"`
}

// EmailData is a single fetched email, as handed back through the bus.
type EmailData struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"is_read"`
}

// EmailProcess hands a batch of fetched emails back through the bus.
type EmailProcess struct {
	Emails []EmailData `json:"emails"`
}

// EmailActionKind is the closed union of on-demand email operations,
// distinct from EmailProcess's push-only poll results.
type EmailActionKind string

const (
	EmailActionListFolders EmailActionKind = "list_folders"
	EmailActionSearch      EmailActionKind = "search"
	EmailActionRead        EmailActionKind = "read"
)

// EmailAction is the closed union of email query operations. Only the
// fields relevant to Kind are populated. Account is empty to use the
// account's configured primary.
type EmailAction struct {
	Kind    EmailActionKind `json:"kind"`
	Account string          `json:"account,omitempty"`
	Folder  string          `json:"folder,omitempty"`
	Query   string          `json:"query,omitempty"`
	From    string          `json:"from,omitempty"`
	Since   *time.Time      `json:"since,omitempty"`
	Before  *time.Time      `json:"before,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	UID     uint32          `json:"uid,omitempty"`
}

// EmailQuery asks the external collaborator to list folders, search, or
// read a single message on demand.
type EmailQuery struct {
	Action EmailAction `json:"action"`
}

// MessageRole identifies who authored a stored conversation Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one turn of a stored conversation.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Role      MessageRole    `json:"role"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StoreConversation asks the data collaborator to persist messages for a user.
type StoreConversation struct {
	UserID   string    `json:"user_id"`
	Messages []Message `json:"messages"`
}

// LoadUserProfile asks the data collaborator for a user's profile.
type LoadUserProfile struct {
	UserID string `json:"user_id"`
}

// UserProfile holds a user's stored preferences.
type UserProfile struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// UserProfileResponse answers a LoadUserProfile. Profile is nil when not found.
type UserProfileResponse struct {
	Profile *UserProfile `json:"profile,omitempty"`
}

// HealthStatusKind is the coarse health classification of a service.
type HealthStatusKind string

const (
	HealthHealthy   HealthStatusKind = "healthy"
	HealthDegraded  HealthStatusKind = "degraded"
	HealthUnhealthy HealthStatusKind = "unhealthy"
)

// ServiceHealth is the payload of a ServiceHealthResponse.
type ServiceHealth struct {
	Status HealthStatusKind `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// Healthy is the zero-argument ServiceHealth value used by the common case.
func Healthy() ServiceHealth { return ServiceHealth{Status: HealthHealthy} }

// ServiceHealthCheck asks a specific service to report its health.
// The routing table has no target for it, so it is delivered only by
// routing with an explicit target override.
type ServiceHealthCheck struct {
	ServiceID ServiceID `json:"service_id"`
}

// ServiceHealthResponse is a service's answer to a ServiceHealthCheck.
type ServiceHealthResponse struct {
	ServiceID ServiceID     `json:"service_id"`
	Status    ServiceHealth `json:"status"`
}

// ShutdownService asks the named service to terminate.
type ShutdownService struct {
	ServiceID ServiceID `json:"service_id"`
}

// EventKind discriminates which field set of a SystemEvent applies.
type EventKind string

const (
	EventServiceStarted   EventKind = "service_started"
	EventServiceStopped   EventKind = "service_stopped"
	EventServiceRestarted EventKind = "service_restarted"
	EventErrorOccurred    EventKind = "error_occurred"
	EventMessageReceived  EventKind = "message_received"
)

// SystemEvent is the closed union of lifecycle events broadcast on the
// event stream. It is deliberately separate from ServiceMessage:
// events are advisory fan-out, messages are mandatory point-to-point.
type SystemEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	ServiceID ServiceID `json:"service_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
}

func newEvent(kind EventKind) SystemEvent {
	return SystemEvent{Kind: kind, Timestamp: time.Now().UTC()}
}

// NewServiceStarted builds a ServiceStarted event.
func NewServiceStarted(id ServiceID) SystemEvent {
	e := newEvent(EventServiceStarted)
	e.ServiceID = id
	return e
}

// NewServiceStopped builds a ServiceStopped event.
func NewServiceStopped(id ServiceID) SystemEvent {
	e := newEvent(EventServiceStopped)
	e.ServiceID = id
	return e
}

// NewServiceRestarted builds a ServiceRestarted event.
func NewServiceRestarted(id ServiceID) SystemEvent {
	e := newEvent(EventServiceRestarted)
	e.ServiceID = id
	return e
}

// NewErrorOccurred builds an ErrorOccurred event.
func NewErrorOccurred(id ServiceID, err error) SystemEvent {
	e := newEvent(EventErrorOccurred)
	e.ServiceID = id
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// NewMessageReceived builds a MessageReceived event.
func NewMessageReceived(from, to string) SystemEvent {
	e := newEvent(EventMessageReceived)
	e.From = from
	e.To = to
	return e
}
