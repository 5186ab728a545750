// Package marketplace wires the orchestration core to a local-services
// marketplace: clients post tasks, helpers apply to them, payments and
// notifications run through external providers. It contributes the capability
// set, the six standard agents and the multi-step workflow definitions; the
// actual service implementations stay behind the Backend interface.
package marketplace

import "context"

// TaskDraft is the client-supplied task content before persistence.
type TaskDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	HourlyRate  float64  `json:"hourly_rate"`
	ZipCode     string   `json:"zip_code"`
	Dates       []string `json:"dates"`
}

// Task is a persisted task.
type Task struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	TaskDraft
}

// Helper is a worker who can be matched to tasks.
type Helper struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ZipCode string `json:"zip_code"`
	Phone   string `json:"phone"`
}

// QuotaStatus reports whether a client may post another task.
type QuotaStatus struct {
	Allowed bool `json:"allowed"`
	Used    int  `json:"used"`
	Limit   int  `json:"limit"`
}

// Profile is a user account profile.
type Profile struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	ZipCode string `json:"zip_code"`
}

// Application is a helper's application to a task.
type Application struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	HelperID     string `json:"helper_id"`
	Introduction string `json:"introduction"`
	Status       string `json:"status"`
}

// ChatMessage is one message in a client/helper chat.
type ChatMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// FAQ is one frequently asked question with its canned answer.
type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// RefundResult is the outcome of a processed refund.
type RefundResult struct {
	RefundID string  `json:"refund_id"`
	Amount   float64 `json:"amount"`
}

// Backend is the marketplace service surface the capabilities bind to. The
// orchestration core treats every method as an opaque external operation;
// whether it runs SQL, calls a payment provider or sends SMS is invisible
// here, and any failure surfaces as an ExecutionError at the capability
// layer.
type Backend interface {
	CreateTask(ctx context.Context, clientID string, draft TaskDraft) (Task, error)
	SearchHelpers(ctx context.Context, zipCode string, limit int) ([]Helper, error)
	NotifyHelpers(ctx context.Context, taskID string, helperIDs []string) (int, error)
	CheckPostQuota(ctx context.Context, clientID string) (QuotaStatus, error)

	GetProfile(ctx context.Context, userID string) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, fields map[string]any) (Profile, error)

	SubmitApplication(ctx context.Context, taskID, helperID, introduction string) (Application, error)
	GetApplication(ctx context.Context, applicationID string) (Application, error)
	UpdateApplicationStatus(ctx context.Context, applicationID, status string) (Application, error)

	ChatMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error)
	FlagMessage(ctx context.Context, chatID, messageID, reason string) error

	ListFAQs(ctx context.Context) ([]FAQ, error)

	ProcessRefund(ctx context.Context, userID, paymentID string, amount float64) (RefundResult, error)
	SendSMS(ctx context.Context, phone, body string) error
}
