package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pestline/pestline/internal/models"
	"github.com/pestline/pestline/internal/sms"
)

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(sms.NewMockSender())

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain digits", "15551234567", "15551234567", false},
		{"e164 format", "+15551234567", "15551234567", false},
		{"formatted", "(555) 123-4567", "5551234567", false},
		{"channel prefix", "sms:+15551234567", "15551234567", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "12345", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ValidateAndCanonicalizeRecipient(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("canonical = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSendMessageEmitsReceipt(t *testing.T) {
	sender := sms.NewMockSender()
	svc := NewTwilioService(sender)

	sid, err := svc.SendMessage(context.Background(), "+1 (555) 123-4567", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sid == "" {
		t.Error("expected a message SID")
	}

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].To != "+15551234567" {
		t.Errorf("sent to %q, want +15551234567", sent[0].To)
	}
	if sent[0].Body != "hello" {
		t.Errorf("body = %q", sent[0].Body)
	}

	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15551234567" || receipt.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt: %+v", receipt)
		}
	case <-time.After(time.Second):
		t.Error("expected a receipt on the channel")
	}
}

func TestSendMessageInvalidRecipient(t *testing.T) {
	sender := sms.NewMockSender()
	svc := NewTwilioService(sender)

	if _, err := svc.SendMessage(context.Background(), "abc", "hello"); err == nil {
		t.Error("expected a validation error")
	}
	if len(sender.Sent()) != 0 {
		t.Error("nothing should have been sent")
	}
}

func TestSendMessageAfterStop(t *testing.T) {
	svc := NewTwilioService(sms.NewMockSender())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, err := svc.SendMessage(context.Background(), "15551234567", "hello"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}

	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(sms.NewMockSender())

	form := url.Values{}
	form.Set("From", "+15551234567")
	form.Set("Body", "yes please")
	form.Set("MessageSid", "SMabc123")

	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	select {
	case response := <-svc.Responses():
		if response.From != "+15551234567" || response.Body != "yes please" || response.TwilioSID != "SMabc123" {
			t.Errorf("unexpected response: %+v", response)
		}
	case <-time.After(time.Second):
		t.Error("expected a response on the channel")
	}
}

func TestTwilioWebhookHandlerMissingFields(t *testing.T) {
	svc := NewTwilioService(sms.NewMockSender())

	form := url.Values{}
	form.Set("From", "+15551234567")

	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
