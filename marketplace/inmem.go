package marketplace

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskmesh/taskmesh/core"
)

// InMemoryBackend is a self-contained Backend for demos and tests. It
// enforces a per-client posting quota and rejects duplicate task titles per
// client the way the production services do, so workflow error paths can be
// exercised without external dependencies.
type InMemoryBackend struct {
	mu           sync.Mutex
	tasks        map[string]Task
	helpers      []Helper
	profiles     map[string]Profile
	applications map[string]Application
	chats        map[string][]ChatMessage
	flagged      map[string][]string
	postCounts   map[string]int
	postLimit    int

	SentSMS []string
	Refunds []RefundResult
}

var _ Backend = (*InMemoryBackend)(nil)

// NewInMemoryBackend creates a backend seeded with a few helpers and a
// posting limit of 10 tasks per client.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		tasks: map[string]Task{},
		helpers: []Helper{
			{ID: "h1", Name: "Dana", ZipCode: "02139", Phone: "+15550001111"},
			{ID: "h2", Name: "Luis", ZipCode: "02139", Phone: "+15550002222"},
			{ID: "h3", Name: "Priya", ZipCode: "94110", Phone: "+15550003333"},
		},
		profiles:     map[string]Profile{},
		applications: map[string]Application{},
		chats:        map[string][]ChatMessage{},
		flagged:      map[string][]string{},
		postCounts:   map[string]int{},
		postLimit:    10,
	}
}

func (b *InMemoryBackend) CreateTask(ctx context.Context, clientID string, draft TaskDraft) (Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.postCounts[clientID] >= b.postLimit {
		return Task{}, fmt.Errorf("posting quota exhausted for client %s", clientID)
	}
	for _, t := range b.tasks {
		if t.ClientID == clientID && t.Title == draft.Title {
			return Task{}, fmt.Errorf("duplicate task %q for client %s", draft.Title, clientID)
		}
	}

	task := Task{ID: core.NewID(), ClientID: clientID, TaskDraft: draft}
	b.tasks[task.ID] = task
	b.postCounts[clientID]++
	return task, nil
}

// DeleteTask removes a task and releases its quota slot, for tests and
// demos.
func (b *InMemoryBackend) DeleteTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[taskID]
	if !ok {
		return
	}
	delete(b.tasks, taskID)
	if b.postCounts[task.ClientID] > 0 {
		b.postCounts[task.ClientID]--
	}
}

func (b *InMemoryBackend) SearchHelpers(ctx context.Context, zipCode string, limit int) ([]Helper, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Helper
	for _, h := range b.helpers {
		if h.ZipCode == zipCode {
			out = append(out, h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *InMemoryBackend) NotifyHelpers(ctx context.Context, taskID string, helperIDs []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("task %s not found", taskID)
	}

	notified := 0
	for _, h := range b.helpers {
		if len(helperIDs) > 0 && !contains(helperIDs, h.ID) {
			continue
		}
		if len(helperIDs) == 0 && h.ZipCode != task.ZipCode {
			continue
		}
		b.SentSMS = append(b.SentSMS, fmt.Sprintf("%s: new task %q", h.Phone, task.Title))
		notified++
	}
	return notified, nil
}

func (b *InMemoryBackend) CheckPostQuota(ctx context.Context, clientID string) (QuotaStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	used := b.postCounts[clientID]
	return QuotaStatus{Allowed: used < b.postLimit, Used: used, Limit: b.postLimit}, nil
}

func (b *InMemoryBackend) GetProfile(ctx context.Context, userID string) (Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[userID]
	if !ok {
		return Profile{}, fmt.Errorf("profile %s not found", userID)
	}
	return p, nil
}

func (b *InMemoryBackend) UpdateProfile(ctx context.Context, userID string, fields map[string]any) (Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.profiles[userID]
	p.UserID = userID
	if v, ok := fields["name"].(string); ok {
		p.Name = v
	}
	if v, ok := fields["email"].(string); ok {
		p.Email = v
	}
	if v, ok := fields["phone"].(string); ok {
		p.Phone = v
	}
	if v, ok := fields["zip_code"].(string); ok {
		p.ZipCode = v
	}
	b.profiles[userID] = p
	return p, nil
}

func (b *InMemoryBackend) SubmitApplication(ctx context.Context, taskID, helperID, introduction string) (Application, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	app := Application{
		ID:           core.NewID(),
		TaskID:       taskID,
		HelperID:     helperID,
		Introduction: introduction,
		Status:       "pending",
	}
	b.applications[app.ID] = app
	return app, nil
}

func (b *InMemoryBackend) GetApplication(ctx context.Context, applicationID string) (Application, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	app, ok := b.applications[applicationID]
	if !ok {
		return Application{}, fmt.Errorf("application %s not found", applicationID)
	}
	return app, nil
}

func (b *InMemoryBackend) UpdateApplicationStatus(ctx context.Context, applicationID, status string) (Application, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	app, ok := b.applications[applicationID]
	if !ok {
		return Application{}, fmt.Errorf("application %s not found", applicationID)
	}
	app.Status = status
	b.applications[applicationID] = app
	return app, nil
}

func (b *InMemoryBackend) ChatMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.chats[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// AddChatMessage seeds a chat, for tests and demos.
func (b *InMemoryBackend) AddChatMessage(chatID, senderID, content string) ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := ChatMessage{ID: core.NewID(), SenderID: senderID, Content: content}
	b.chats[chatID] = append(b.chats[chatID], msg)
	return msg
}

func (b *InMemoryBackend) FlagMessage(ctx context.Context, chatID, messageID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flagged[chatID] = append(b.flagged[chatID], messageID)
	return nil
}

// Flagged returns the flagged message ids of a chat, for tests.
func (b *InMemoryBackend) Flagged(chatID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.flagged[chatID]))
	copy(out, b.flagged[chatID])
	return out
}

func (b *InMemoryBackend) ListFAQs(ctx context.Context) ([]FAQ, error) {
	return []FAQ{
		{Question: "How do I post a task?", Answer: "Tell the assistant the title, rate, zip code and dates; it walks you through posting."},
		{Question: "How many tasks can I post?", Answer: "The standard plan allows 10 open tasks per client."},
		{Question: "How do refunds work?", Answer: "Disputed payments are reviewed by moderation; approved refunds arrive within 5 business days."},
	}, nil
}

func (b *InMemoryBackend) ProcessRefund(ctx context.Context, userID, paymentID string, amount float64) (RefundResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount <= 0 {
		return RefundResult{}, fmt.Errorf("refund amount must be positive, got %v", amount)
	}
	result := RefundResult{RefundID: core.NewID(), Amount: amount}
	b.Refunds = append(b.Refunds, result)
	return result, nil
}

func (b *InMemoryBackend) SendSMS(ctx context.Context, phone, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SentSMS = append(b.SentSMS, fmt.Sprintf("%s: %s", phone, body))
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
