package subscribers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ActionValidateEmail is the only action carried by validation messages.
const ActionValidateEmail = "validate_email"

// ErrMalformedMessage is returned for queue payloads that cannot be processed.
var ErrMalformedMessage = errors.New("malformed validation message")

// ValidationMessage asks the token issuer to attach a token to a subscriber.
type ValidationMessage struct {
	Action       string `json:"action"`
	Email        string `json:"email"`
	SubscriberID string `json:"subscriber_id"`
}

// NewValidationMessage creates a validate_email message.
func NewValidationMessage(email, subscriberID string) ValidationMessage {
	return ValidationMessage{
		Action:       ActionValidateEmail,
		Email:        email,
		SubscriberID: subscriberID,
	}
}

// Encode serializes the message to JSON.
func (m ValidationMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeValidationMessage parses and checks a queue payload.
func DecodeValidationMessage(body []byte) (ValidationMessage, error) {
	var msg ValidationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return ValidationMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case msg.Action != ActionValidateEmail:
		return ValidationMessage{}, fmt.Errorf("%w: unexpected action %q", ErrMalformedMessage, msg.Action)
	case msg.Email == "":
		return ValidationMessage{}, fmt.Errorf("%w: missing email", ErrMalformedMessage)
	case msg.SubscriberID == "":
		return ValidationMessage{}, fmt.Errorf("%w: missing subscriber_id", ErrMalformedMessage)
	}

	return msg, nil
}

// Publisher sends a message body to the validation queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}
