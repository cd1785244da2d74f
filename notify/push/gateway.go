package push

import (
	"context"
	"errors"
)

// Message is the payload handed to the gateway for one multicast send.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// SendResponse is the per-token outcome of a multicast send. Err wraps
// ErrTokenNotRegistered when the token is permanently dead.
type SendResponse struct {
	Token string
	Err   error
}

// MulticastResult aggregates one multicast send.
type MulticastResult struct {
	SuccessCount int
	FailureCount int
	Responses    []SendResponse
}

// InvalidTokens returns the tokens whose responses classify as
// permanently unregistered.
func (result MulticastResult) InvalidTokens() []string {
	tokens := make([]string, 0)

	for _, response := range result.Responses {
		if response.Err == nil {
			continue
		}

		if isTokenNotRegistered(response.Err) {
			tokens = append(tokens, response.Token)
		}
	}

	return tokens
}

func isTokenNotRegistered(err error) bool {
	return errors.Is(err, ErrTokenNotRegistered)
}

// Gateway sends push messages to device tokens. Implementations return
// ErrGatewayUnavailable when no underlying client is configured; a
// partially failed multicast is reported through the result, not an
// error.
type Gateway interface {
	SendMulticast(ctx context.Context, tokens []string, message Message) (MulticastResult, error)
}
