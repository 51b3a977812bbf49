// Package messaging provides response handling functionality for stateful interactions.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pestline/pestline/internal/flow"
	"github.com/pestline/pestline/internal/models"
)

// genaiFallbackMessage is sent when response generation fails outright.
const genaiFallbackMessage = "Sorry, we're having trouble right now. Please try again later."

// stopKeywords are the carrier-mandated opt-out bodies. They bypass the
// generation loop entirely.
var stopKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

// ConversationStore is the persistence surface the response handler needs.
// The store package's backends satisfy it.
type ConversationStore interface {
	EnsurePhone(phone string) error
	GetFSMState(phone string) (*models.FSMStateRecord, error)
	SaveFSMState(rec models.FSMStateRecord) error
	GetRecentChatMessages(phone string, limit int) ([]models.ChatMessage, error)
	AddMessage(msg models.Message) error
}

// ResponseHandler consumes inbound responses from the messaging service and
// runs each through the conversation orchestrator. Turns for the same phone
// number are serialized; different phones proceed concurrently.
type ResponseHandler struct {
	msgService   Service
	store        ConversationStore
	orchestrator *flow.Orchestrator

	// locks holds one mutex per phone number seen so far
	locks map[string]*sync.Mutex
	mu    sync.Mutex
	wg    sync.WaitGroup
}

// NewResponseHandler creates a new ResponseHandler.
func NewResponseHandler(msgService Service, st ConversationStore, orchestrator *flow.Orchestrator) *ResponseHandler {
	return &ResponseHandler{
		msgService:   msgService,
		store:        st,
		orchestrator: orchestrator,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Start begins consuming the service's Responses() channel. It returns
// immediately; processing happens on background goroutines until the channel
// closes or ctx is cancelled.
func (rh *ResponseHandler) Start(ctx context.Context) {
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		for {
			select {
			case <-ctx.Done():
				slog.Info("ResponseHandler stopping (context cancelled)")
				return
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Info("ResponseHandler stopping (responses channel closed)")
					return
				}
				rh.wg.Add(1)
				go func() {
					defer rh.wg.Done()
					if err := rh.ProcessResponse(ctx, response); err != nil {
						slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
					}
				}()
			}
		}
	}()
}

// Wait blocks until all in-flight response processing has finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// ProcessResponse handles a single inbound message end to end: persist the
// inbound turn, generate a reply (or serve the opt-out path), send it, and
// persist the outbound turn.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	// Serialize turns per phone so concurrent webhooks cannot interleave
	// state reads and writes for the same conversation.
	lock := rh.phoneLock(canonicalFrom)
	lock.Lock()
	defer lock.Unlock()

	slog.Debug("ResponseHandler processing response", "from", canonicalFrom, "body_length", len(response.Body))

	if err := rh.store.EnsurePhone(canonicalFrom); err != nil {
		return fmt.Errorf("failed to ensure phone %s: %w", canonicalFrom, err)
	}
	rh.persistTurn(canonicalFrom, response.TwilioSID, models.MessageDirectionInbound, "user", response.Body)

	reply, err := rh.generateReply(ctx, canonicalFrom, response.Body)
	if err != nil {
		slog.Error("ResponseHandler reply generation failed, using fallback", "error", err, "from", canonicalFrom)
		reply = genaiFallbackMessage
	}

	sid, err := rh.msgService.SendMessage(ctx, canonicalFrom, reply)
	if err != nil {
		slog.Error("ResponseHandler failed to send reply", "error", err, "from", canonicalFrom)
		return fmt.Errorf("failed to send reply to %s: %w", canonicalFrom, err)
	}
	rh.persistTurn(canonicalFrom, sid, models.MessageDirectionOutbound, "assistant", reply)
	return nil
}

// generateReply produces the outbound text for one inbound body. Opt-out
// keywords short-circuit straight to the stop state; everything else goes
// through the orchestrator.
func (rh *ResponseHandler) generateReply(ctx context.Context, phone, body string) (string, error) {
	user, err := flow.NewUserContext(rh.store, phone)
	if err != nil {
		return "", fmt.Errorf("failed to build user context for %s: %w", phone, err)
	}

	if stopKeywords[strings.ToUpper(strings.TrimSpace(body))] {
		slog.Info("ResponseHandler opt-out keyword received", "from", phone)
		if _, err := user.CurrentState(); err != nil {
			return "", err
		}
		if err := user.TriggerEvent(flow.TriggerUserStopped); err != nil {
			return "", fmt.Errorf("failed to record opt-out for %s: %w", phone, err)
		}
		return flow.ReplyForState(flow.StateStop), nil
	}

	// A paused conversation only moves on an explicit "resume"; the update
	// tool refuses everything but opt-outs in pause, so the keyword is
	// handled here.
	if strings.EqualFold(strings.TrimSpace(body), "resume") {
		state, err := user.CurrentState()
		if err != nil {
			return "", err
		}
		if state == flow.StatePause {
			slog.Info("ResponseHandler resume keyword received", "from", phone)
			if err := user.ChangeStateFromIntent("resume"); err != nil {
				return "", fmt.Errorf("failed to resume flow for %s: %w", phone, err)
			}
			return flow.ReplyForState(flow.StateStart), nil
		}
	}

	return rh.orchestrator.GenerateResponse(ctx, user, body)
}

// persistTurn records one side of the conversation. Persistence failures are
// logged but never block the reply.
func (rh *ResponseHandler) persistTurn(phone, sid, direction, role, content string) {
	chatData, err := json.Marshal(models.ChatMessage{Role: role, Content: content})
	if err != nil {
		slog.Error("ResponseHandler failed to marshal chat message", "error", err, "phone", phone)
		chatData = nil
	}
	msg := models.Message{
		PhoneNumber: phone,
		TwilioSID:   sid,
		Direction:   direction,
		Body:        content,
		SentAt:      time.Now().UTC(),
		MessageData: chatData,
	}
	if err := rh.store.AddMessage(msg); err != nil {
		slog.Error("ResponseHandler failed to persist message", "error", err, "phone", phone, "direction", direction)
	}
}

func (rh *ResponseHandler) phoneLock(phone string) *sync.Mutex {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	lock, ok := rh.locks[phone]
	if !ok {
		lock = &sync.Mutex{}
		rh.locks[phone] = lock
	}
	return lock
}
