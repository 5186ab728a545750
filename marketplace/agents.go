package marketplace

import "github.com/taskmesh/taskmesh/agent"

// Agent ids. The router's keyword table and the workflow definitions refer
// to these.
const (
	AgentTaskManager             = "task_manager"
	AgentUserAssistant           = "user_assistant"
	AgentApplicationProcessor    = "application_processor"
	AgentChatModerator           = "chat_moderator"
	AgentPaymentProcessor        = "payment_processor"
	AgentNotificationCoordinator = "notification_coordinator"
)

// Agents returns the six standard marketplace agents, each bound to the
// given decision policy and restricted to its own capability subset.
// Everyone except the assistant can hand general questions back to it.
func Agents(policy agent.Policy) []agent.Agent {
	return []agent.Agent{
		{
			ID:          AgentTaskManager,
			Description: "Creates, updates and searches tasks for clients.",
			Persona: "You are the task manager for a local-services marketplace. " +
				"You help clients post well-formed tasks: collect a title, description, " +
				"hourly rate, zip code and available dates before creating anything. " +
				"Check the posting quota before creating a task.",
			Allowed:  []string{"create_task", "check_post_quota", "search_helpers", "notify_helpers"},
			Handoffs: []string{AgentUserAssistant},
			Policy:   policy,
		},
		{
			ID:          AgentUserAssistant,
			Description: "General assistance and account management; the routing fallback.",
			Persona: "You are a friendly assistant for a local-services marketplace. " +
				"You answer general questions and manage user profiles. When a request " +
				"clearly belongs to a specialist agent, hand it off.",
			Allowed: []string{"get_profile", "update_profile", "get_faqs"},
			Handoffs: []string{
				AgentTaskManager, AgentApplicationProcessor, AgentChatModerator,
				AgentPaymentProcessor, AgentNotificationCoordinator,
			},
			Policy: policy,
		},
		{
			ID:          AgentApplicationProcessor,
			Description: "Submits and evaluates helper applications.",
			Persona: "You process helper applications for a local-services marketplace. " +
				"You evaluate introductions for relevant experience and keep applicants " +
				"informed about their status.",
			Allowed:  []string{"create_application", "get_application", "update_application_status"},
			Handoffs: []string{AgentUserAssistant},
			Policy:   policy,
		},
		{
			ID:          AgentChatModerator,
			Description: "Moderates chats and handles disputes between clients and helpers.",
			Persona: "You moderate conversations on a local-services marketplace. " +
				"You review chat history impartially, flag policy violations and " +
				"de-escalate disputes.",
			Allowed:  []string{"get_chat_messages", "flag_message"},
			Handoffs: []string{AgentUserAssistant, AgentPaymentProcessor},
			Policy:   policy,
		},
		{
			ID:          AgentPaymentProcessor,
			Description: "Handles subscriptions, billing questions and refunds.",
			Persona: "You handle payments for a local-services marketplace. " +
				"You explain charges, manage subscriptions and process refunds when " +
				"the policy allows it. Never invent amounts; confirm them with the user.",
			Allowed:  []string{"process_refund"},
			Handoffs: []string{AgentUserAssistant},
			Policy:   policy,
		},
		{
			ID:          AgentNotificationCoordinator,
			Description: "Coordinates SMS and bulk notifications.",
			Persona: "You coordinate notifications for a local-services marketplace. " +
				"You send SMS alerts and task notifications, and you never spam: " +
				"one clear message per event.",
			Allowed:  []string{"send_sms", "notify_helpers"},
			Handoffs: []string{AgentUserAssistant},
			Policy:   policy,
		},
	}
}

// KeywordTable maps each agent to the lowercase keywords indicating it, used
// to build the router's keyword classifier. The assistant carries no
// keywords; it is the configured fallback, not a classification target.
func KeywordTable() map[string][]string {
	return map[string][]string{
		AgentTaskManager:             {"task", "create", "post", "job", "work", "help needed", "assistance"},
		AgentApplicationProcessor:    {"apply", "application", "helper", "qualification", "experience"},
		AgentPaymentProcessor:        {"payment", "subscription", "billing", "charge", "refund", "cancel"},
		AgentChatModerator:           {"message", "chat", "conversation", "dispute", "moderate"},
		AgentNotificationCoordinator: {"notify", "alert", "reminder", "sms", "email"},
	}
}
