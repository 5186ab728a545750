package marketplace

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/capability"
)

// RegisterCapabilities binds every marketplace backend operation into the
// registry as a schema-validated capability. Schemas are deliberately
// explicit here rather than reflected from Go types: they are the contract
// the agents see.
func RegisterCapabilities(reg *capability.Registry, b Backend) error {
	descriptors := []capability.Descriptor{
		{
			ID:          "create_task",
			Description: "Create a new task posting with title, hourly rate and location.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string", "description": "Short task title"},
					"rate":        map[string]any{"type": "number", "description": "Offered hourly rate"},
					"zip":         map[string]any{"type": "string", "description": "Task location zip code"},
					"description": map[string]any{"type": "string"},
					"dates":       map[string]any{"type": "array", "description": "Available dates, ISO 8601"},
				},
				"required": []string{"title", "rate", "zip"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				draft := TaskDraft{
					Title:       stringArg(args, "title"),
					Description: stringArg(args, "description"),
					HourlyRate:  numberArg(args, "rate"),
					ZipCode:     stringArg(args, "zip"),
					Dates:       stringSliceArg(args, "dates"),
				}
				task, err := b.CreateTask(ctx, call.UserID, draft)
				if err != nil {
					return nil, err
				}
				return map[string]any{"task_id": task.ID, "status": "created"}, nil
			},
		},
		{
			ID:          "search_helpers",
			Description: "Find helpers near a zip code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"zip":   map[string]any{"type": "string"},
					"limit": map[string]any{"type": "number"},
				},
				"required": []string{"zip"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				limit := int(numberArg(args, "limit"))
				if limit <= 0 {
					limit = 20
				}
				return b.SearchHelpers(ctx, stringArg(args, "zip"), limit)
			},
		},
		{
			ID:          "notify_helpers",
			Description: "Notify matching helpers about a newly created task.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id":    map[string]any{"type": "string"},
					"helper_ids": map[string]any{"type": "array"},
				},
				"required": []string{"task_id"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				notified, err := b.NotifyHelpers(ctx, stringArg(args, "task_id"), stringSliceArg(args, "helper_ids"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"notified": notified}, nil
			},
		},
		{
			ID:          "check_post_quota",
			Description: "Check whether the user may post another task this period.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Idempotent: true,
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				return b.CheckPostQuota(ctx, call.UserID)
			},
		},
		{
			ID:          "get_profile",
			Description: "Fetch a user profile.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"user_id": map[string]any{"type": "string", "description": "Defaults to the calling user"},
				},
			},
			Idempotent: true,
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				userID := stringArg(args, "user_id")
				if userID == "" {
					userID = call.UserID
				}
				return b.GetProfile(ctx, userID)
			},
		},
		{
			ID:          "update_profile",
			Description: "Update fields on the calling user's profile.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"fields": map[string]any{"type": "object", "description": "Field name to new value"},
				},
				"required": []string{"fields"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				fields, _ := args["fields"].(map[string]any)
				return b.UpdateProfile(ctx, call.UserID, fields)
			},
		},
		{
			ID:          "create_application",
			Description: "Submit a helper application to a task.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id":      map[string]any{"type": "string"},
					"introduction": map[string]any{"type": "string"},
				},
				"required": []string{"task_id", "introduction"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				return b.SubmitApplication(ctx, stringArg(args, "task_id"), call.UserID, stringArg(args, "introduction"))
			},
		},
		{
			ID:          "get_application",
			Description: "Fetch an application by id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"application_id": map[string]any{"type": "string"},
				},
				"required": []string{"application_id"},
			},
			Idempotent: true,
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				return b.GetApplication(ctx, stringArg(args, "application_id"))
			},
		},
		{
			ID:          "update_application_status",
			Description: "Approve or reject an application.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"application_id": map[string]any{"type": "string"},
					"status":         map[string]any{"type": "string", "description": "approved or rejected"},
				},
				"required": []string{"application_id", "status"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				return b.UpdateApplicationStatus(ctx, stringArg(args, "application_id"), stringArg(args, "status"))
			},
		},
		{
			ID:          "get_chat_messages",
			Description: "Fetch recent messages from a chat.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"chat_id": map[string]any{"type": "string"},
					"limit":   map[string]any{"type": "number"},
				},
				"required": []string{"chat_id"},
			},
			Idempotent: true,
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				limit := int(numberArg(args, "limit"))
				if limit <= 0 {
					limit = 50
				}
				return b.ChatMessages(ctx, stringArg(args, "chat_id"), limit)
			},
		},
		{
			ID:          "flag_message",
			Description: "Flag a chat message for moderation review.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"chat_id":    map[string]any{"type": "string"},
					"message_id": map[string]any{"type": "string"},
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"chat_id", "message_id", "reason"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				if err := b.FlagMessage(ctx, stringArg(args, "chat_id"), stringArg(args, "message_id"), stringArg(args, "reason")); err != nil {
					return nil, err
				}
				return map[string]any{"flagged": true}, nil
			},
		},
		{
			ID:          "get_faqs",
			Description: "List frequently asked questions and their answers.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Idempotent: true,
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				return b.ListFAQs(ctx)
			},
		},
		{
			ID:          "process_refund",
			Description: "Refund a payment to the calling user.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"payment_id": map[string]any{"type": "string"},
					"amount":     map[string]any{"type": "number"},
				},
				"required": []string{"payment_id", "amount"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				return b.ProcessRefund(ctx, call.UserID, stringArg(args, "payment_id"), numberArg(args, "amount"))
			},
		},
		{
			ID:          "send_sms",
			Description: "Send an SMS notification.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phone": map[string]any{"type": "string"},
					"body":  map[string]any{"type": "string"},
				},
				"required": []string{"phone", "body"},
			},
			Handler: func(ctx context.Context, call *capability.CallContext, args map[string]any) (any, error) {
				if err := b.SendSMS(ctx, stringArg(args, "phone"), stringArg(args, "body")); err != nil {
					return nil, err
				}
				return map[string]any{"sent": true}, nil
			},
		},
	}

	for _, desc := range descriptors {
		if err := reg.Register(desc); err != nil {
			return fmt.Errorf("register %s: %w", desc.ID, err)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func numberArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
