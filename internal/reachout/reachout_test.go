package reachout

import (
	"context"
	"testing"

	"github.com/pestline/pestline/internal/flow"
	"github.com/pestline/pestline/internal/messaging"
	"github.com/pestline/pestline/internal/models"
	"github.com/pestline/pestline/internal/sms"
	"github.com/pestline/pestline/internal/store"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *store.InMemoryStore, *sms.MockSender) {
	t.Helper()
	st := store.NewInMemoryStore()
	sender := sms.NewMockSender()
	svc := NewService(st, messaging.NewTwilioService(sender), opts...)
	return svc, st, sender
}

func TestSendBulkDefaultOpeningMessage(t *testing.T) {
	svc, st, sender := newTestService(t, WithThrottle(false))

	recipients := []map[string]interface{}{
		{"phone_number": "+15551290001", "name": "Ana"},
		{"phone_number": "+15551290002"},
	}
	run, err := svc.SendBulk(context.Background(), recipients, "")
	if err != nil {
		t.Fatalf("SendBulk failed: %v", err)
	}

	if run.Requested != 2 || run.Processed != 2 || run.Sent != 2 {
		t.Errorf("unexpected counts: %+v", run)
	}
	if run.Skipped != 0 || run.Throttled != 0 || run.Errors != 0 {
		t.Errorf("unexpected failure counts: %+v", run)
	}
	if run.FinishedAt.IsZero() {
		t.Error("expected FinishedAt to be set")
	}

	sent := sender.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	want := flow.ReplyForState(flow.StateStart)
	for _, msg := range sent {
		if msg.Body != want {
			t.Errorf("body = %q, want the opening template", msg.Body)
		}
	}

	// Initial state is persisted before the send.
	rec, err := st.GetFSMState("15551290001")
	if err != nil {
		t.Fatalf("GetFSMState failed: %v", err)
	}
	if rec == nil || rec.StateName != "start" {
		t.Errorf("expected persisted start state, got %+v", rec)
	}

	// The opening message lands in the readback window.
	chats, err := st.GetRecentChatMessages("15551290001", 10)
	if err != nil {
		t.Fatalf("GetRecentChatMessages failed: %v", err)
	}
	if len(chats) != 1 || chats[0].Role != "assistant" || chats[0].Content != want {
		t.Errorf("unexpected readback: %+v", chats)
	}

	stored, err := st.GetReachOutRun(run.RunID)
	if err != nil {
		t.Fatalf("GetReachOutRun failed: %v", err)
	}
	if stored == nil || stored.Sent != 2 {
		t.Errorf("expected the finished run persisted, got %+v", stored)
	}
}

func TestSendBulkTemplateFormatting(t *testing.T) {
	svc, _, sender := newTestService(t, WithThrottle(false))

	recipients := []map[string]interface{}{
		{"phone": "+15551290010", "name": "Ben", "last_service": "rodent control"},
	}
	_, err := svc.SendBulk(context.Background(), recipients, "Hi {name}, it has been a while since your {last_service}. Still pest free?")
	if err != nil {
		t.Fatalf("SendBulk failed: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sent))
	}
	want := "Hi Ben, it has been a while since your rodent control. Still pest free?"
	if sent[0].Body != want {
		t.Errorf("body = %q, want %q", sent[0].Body, want)
	}
}

func TestSendBulkSkipsUnusableRows(t *testing.T) {
	svc, _, sender := newTestService(t, WithThrottle(false))

	recipients := []map[string]interface{}{
		{"name": "no phone at all"},
		{"phone_number": "abc"},
		{"phone_number": "   "},
		{"mobile": "+15551290020"},
	}
	run, err := svc.SendBulk(context.Background(), recipients, "")
	if err != nil {
		t.Fatalf("SendBulk failed: %v", err)
	}

	if run.Skipped != 3 {
		t.Errorf("skipped = %d, want 3", run.Skipped)
	}
	if run.Sent != 1 {
		t.Errorf("sent = %d, want 1", run.Sent)
	}
	if len(sender.Sent()) != 1 {
		t.Errorf("expected exactly 1 send, got %d", len(sender.Sent()))
	}
}

func TestSendBulkThrottle(t *testing.T) {
	svc, st, sender := newTestService(t, WithMaxActive(1), WithThrottle(true))

	// One active conversation already holds the only slot.
	if err := st.SaveFSMState(models.FSMStateRecord{
		PhoneNumber: "15551290030",
		StateName:   "interested",
	}); err != nil {
		t.Fatalf("SaveFSMState failed: %v", err)
	}

	recipients := []map[string]interface{}{
		{"phone_number": "+15551290031"},
		{"phone_number": "+15551290032"},
	}
	run, err := svc.SendBulk(context.Background(), recipients, "")
	if err != nil {
		t.Fatalf("SendBulk failed: %v", err)
	}

	if run.Throttled != 2 || run.Sent != 0 {
		t.Errorf("unexpected counts: %+v", run)
	}
	if len(sender.Sent()) != 0 {
		t.Error("nothing should have been sent under throttle")
	}
}

func TestSendBulkSendErrorsCounted(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := sms.NewMockSender()
	sender.Err = context.DeadlineExceeded
	svc := NewService(st, messaging.NewTwilioService(sender), WithThrottle(false))

	run, err := svc.SendBulk(context.Background(), []map[string]interface{}{
		{"phone_number": "+15551290040"},
	}, "")
	if err != nil {
		t.Fatalf("SendBulk failed: %v", err)
	}
	if run.Errors != 1 || run.Sent != 0 {
		t.Errorf("unexpected counts: %+v", run)
	}
}

func TestSendBulkCancelledContext(t *testing.T) {
	svc, _, sender := newTestService(t, WithThrottle(false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := svc.SendBulk(ctx, []map[string]interface{}{
		{"phone_number": "+15551290050"},
		{"phone_number": "+15551290051"},
	}, "")
	if err != nil {
		t.Fatalf("SendBulk failed: %v", err)
	}
	if run.Processed != 0 || run.Sent != 0 {
		t.Errorf("cancelled run should process nothing: %+v", run)
	}
	if len(sender.Sent()) != 0 {
		t.Error("nothing should have been sent")
	}
}

func TestExtractPhone(t *testing.T) {
	tests := []struct {
		name      string
		recipient map[string]interface{}
		want      string
	}{
		{"phone_number wins", map[string]interface{}{"phone_number": "111111", "phone": "222222"}, "111111"},
		{"falls back to phone", map[string]interface{}{"phone": "222222"}, "222222"},
		{"falls back to mobile", map[string]interface{}{"mobile": " 333333 "}, "333333"},
		{"non-string ignored", map[string]interface{}{"phone_number": 12345.0}, ""},
		{"empty row", map[string]interface{}{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPhone(tt.recipient); got != tt.want {
				t.Errorf("extractPhone = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserDataFromRecipient(t *testing.T) {
	data := userDataFromRecipient(map[string]interface{}{
		"name":                 "Cleo",
		"last_service":         "ant treatment",
		"days_since_cancelled": 120.0,
		"previous_services":    []interface{}{"ant treatment", "wasp removal"},
	})
	if data.Name != "Cleo" || data.LastService != "ant treatment" || data.DaysSinceCancelled != 120 {
		t.Errorf("unexpected user data: %+v", data)
	}
	if len(data.PreviousServices) != 2 {
		t.Errorf("previous services = %v", data.PreviousServices)
	}
}

func TestFormatTemplateLeavesUnknownPlaceholders(t *testing.T) {
	got := formatTemplate("Hi {name}, see you {when}", map[string]interface{}{"name": "Dee"})
	want := "Hi Dee, see you {when}"
	if got != want {
		t.Errorf("formatTemplate = %q, want %q", got, want)
	}
}
