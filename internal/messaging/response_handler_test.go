package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pestline/pestline/internal/flow"
	"github.com/pestline/pestline/internal/genai"
	"github.com/pestline/pestline/internal/models"
	"github.com/pestline/pestline/internal/sms"
	"github.com/pestline/pestline/internal/store"
	"github.com/openai/openai-go"
)

// scriptedGenAI plays back a fixed response sequence.
type scriptedGenAI struct {
	responses []*genai.ToolCallResponse
	errs      []error
	calls     int
}

func (c *scriptedGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, choice genai.ToolChoice) (*genai.ToolCallResponse, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return &genai.ToolCallResponse{}, nil
}

func replyToolCall(id string) genai.ToolCall {
	return genai.ToolCall{ID: id, Function: genai.FunctionCall{Name: "get_fsm_reply", Arguments: json.RawMessage("")}}
}

func newTestHandler(client genai.ClientInterface) (*ResponseHandler, *store.InMemoryStore, *sms.MockSender, *TwilioService) {
	st := store.NewInMemoryStore()
	sender := sms.NewMockSender()
	svc := NewTwilioService(sender)
	orchestrator := flow.NewOrchestrator(client, st)
	return NewResponseHandler(svc, st, orchestrator), st, sender, svc
}

func TestProcessResponseStopKeyword(t *testing.T) {
	handler, st, sender, _ := newTestHandler(&scriptedGenAI{})

	err := handler.ProcessResponse(context.Background(), models.Response{
		From:      "+15551280001",
		Body:      "STOP",
		TwilioSID: "SMin1",
	})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(sent))
	}
	if sent[0].Body != "You're opted out" {
		t.Errorf("outbound body = %q, want the opt-out confirmation", sent[0].Body)
	}

	rec, err := st.GetFSMState("15551280001")
	if err != nil {
		t.Fatalf("GetFSMState failed: %v", err)
	}
	if rec == nil || rec.StateName != "stop" {
		t.Errorf("expected persisted stop state, got %+v", rec)
	}

	msgs, err := st.GetConversation("15551280001")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Direction != models.MessageDirectionInbound || msgs[1].Direction != models.MessageDirectionOutbound {
		t.Errorf("unexpected directions: %s, %s", msgs[0].Direction, msgs[1].Direction)
	}
	if msgs[0].TwilioSID != "SMin1" {
		t.Errorf("inbound SID = %q, want SMin1", msgs[0].TwilioSID)
	}
}

func TestProcessResponseStopKeywordCaseInsensitive(t *testing.T) {
	handler, st, _, _ := newTestHandler(&scriptedGenAI{})

	if err := handler.ProcessResponse(context.Background(), models.Response{
		From: "+15551280002",
		Body: "  unsubscribe ",
	}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	rec, err := st.GetFSMState("15551280002")
	if err != nil {
		t.Fatalf("GetFSMState failed: %v", err)
	}
	if rec == nil || rec.StateName != "stop" {
		t.Errorf("expected persisted stop state, got %+v", rec)
	}
}

func TestProcessResponseResumeKeyword(t *testing.T) {
	handler, st, sender, _ := newTestHandler(&scriptedGenAI{})

	if err := st.EnsurePhone("15551280003"); err != nil {
		t.Fatalf("EnsurePhone failed: %v", err)
	}
	if err := st.SaveFSMState(models.FSMStateRecord{
		PhoneNumber: "15551280003",
		StateName:   "pause",
	}); err != nil {
		t.Fatalf("SaveFSMState failed: %v", err)
	}

	if err := handler.ProcessResponse(context.Background(), models.Response{
		From: "+15551280003",
		Body: "Resume",
	}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(sent))
	}
	if sent[0].Body != flow.ReplyForState(flow.StateStart) {
		t.Errorf("outbound body = %q, want the start template", sent[0].Body)
	}

	rec, err := st.GetFSMState("15551280003")
	if err != nil {
		t.Fatalf("GetFSMState failed: %v", err)
	}
	if rec == nil || rec.StateName != "start" {
		t.Errorf("expected the flow resumed to start, got %+v", rec)
	}
}

func TestProcessResponseResumeOutsidePauseGoesToOrchestrator(t *testing.T) {
	client := &scriptedGenAI{
		responses: []*genai.ToolCallResponse{
			{ToolCalls: []genai.ToolCall{replyToolCall("c1")}},
		},
	}
	handler, st, sender, _ := newTestHandler(client)

	if err := handler.ProcessResponse(context.Background(), models.Response{
		From: "+15551280004",
		Body: "resume",
	}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	if client.calls != 1 {
		t.Errorf("expected the orchestrator to run, got %d generation calls", client.calls)
	}
	sent := sender.Sent()
	if len(sent) != 1 || sent[0].Body != flow.ReplyForState(flow.StateStart) {
		t.Errorf("unexpected outbound: %+v", sent)
	}

	rec, err := st.GetFSMState("15551280004")
	if err != nil {
		t.Fatalf("GetFSMState failed: %v", err)
	}
	if rec == nil || rec.StateName != "start" {
		t.Errorf("state should stay start, got %+v", rec)
	}
}

func TestProcessResponseNormalTurn(t *testing.T) {
	client := &scriptedGenAI{
		responses: []*genai.ToolCallResponse{
			{ToolCalls: []genai.ToolCall{
				{ID: "c1", Function: genai.FunctionCall{Name: "update_fsm", Arguments: json.RawMessage(`{"event_name":"receive_positive_response"}`)}},
				replyToolCall("c2"),
			}},
		},
	}
	handler, st, sender, _ := newTestHandler(client)

	if err := handler.ProcessResponse(context.Background(), models.Response{
		From:      "+15551280005",
		Body:      "yes, the ants are back",
		TwilioSID: "SMin2",
	}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 1 || sent[0].Body != flow.ReplyForState(flow.StateInterested) {
		t.Errorf("unexpected outbound: %+v", sent)
	}

	// Both turns land in the readback window.
	chats, err := st.GetRecentChatMessages("15551280005", 10)
	if err != nil {
		t.Fatalf("GetRecentChatMessages failed: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chat turns, got %d", len(chats))
	}
	if chats[0].Role != "user" || chats[0].Content != "yes, the ants are back" {
		t.Errorf("unexpected inbound turn: %+v", chats[0])
	}
	if chats[1].Role != "assistant" || chats[1].Content != flow.ReplyForState(flow.StateInterested) {
		t.Errorf("unexpected outbound turn: %+v", chats[1])
	}
}

func TestProcessResponseGenerationFailureFallsBack(t *testing.T) {
	client := &scriptedGenAI{
		errs: []error{&genai.ServiceError{Err: errors.New("upstream down")}},
	}
	handler, _, sender, _ := newTestHandler(client)

	if err := handler.ProcessResponse(context.Background(), models.Response{
		From: "+15551280006",
		Body: "hello",
	}); err != nil {
		t.Fatalf("ProcessResponse should not fail on generation errors: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 1 || sent[0].Body != genaiFallbackMessage {
		t.Errorf("expected the fallback message, got %+v", sent)
	}
}

func TestProcessResponseInvalidSender(t *testing.T) {
	handler, _, sender, _ := newTestHandler(&scriptedGenAI{})

	if err := handler.ProcessResponse(context.Background(), models.Response{
		From: "garbage",
		Body: "hello",
	}); err == nil {
		t.Error("expected an error for an invalid sender")
	}
	if len(sender.Sent()) != 0 {
		t.Error("nothing should have been sent")
	}
}

func TestStartConsumesResponses(t *testing.T) {
	client := &scriptedGenAI{
		responses: []*genai.ToolCallResponse{
			{ToolCalls: []genai.ToolCall{replyToolCall("c1")}},
		},
	}
	handler, _, sender, svc := newTestHandler(client)

	ctx, cancel := context.WithCancel(context.Background())
	handler.Start(ctx)

	svc.safeEmitResponse(models.Response{From: "+15551280007", Body: "hi"})

	// Stopping the service refuses further sends, so drain the in-flight
	// turn before shutting down, as the server does.
	deadline := time.After(5 * time.Second)
	for len(sender.Sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the reply to be sent")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	handler.Wait()
	cancel()

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(sent))
	}
	if sent[0].To != "+15551280007" {
		t.Errorf("sent to %q", sent[0].To)
	}
}
