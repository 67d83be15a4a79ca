package dpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/resolution"
	"github.com/mmdatafocus/receiving_backend/utils"
	"google.golang.org/api/idtoken"
)

// validatePushToken checks the OIDC token Pub/Sub attaches to push requests.
var validatePushToken = idtoken.Validate

func RegistrationTopic() string {
	return utils.EnvStringDefault("DP_REGISTRATION_TOPIC", "dp-registration-succeeded")
}

// PublishRegistrationSucceeded emits the trigger onto the registration topic.
func PublishRegistrationSucceeded(ctx context.Context, ev RegistrationSucceeded) (string, error) {
	if err := utils.ValidateStruct(ev); err != nil {
		return "", err
	}
	if ev.CorrelationId == "" {
		if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			ev.CorrelationId = cid
		}
	}
	if utils.EnvBoolDefault("DP_REGISTRATION_CREATE_TOPIC", false) {
		client, err := config.GetClient(ctx)
		if err != nil {
			return "", err
		}
		if _, err := config.CreateTopicIfNotExists(ctx, client, RegistrationTopic()); err != nil {
			return "", err
		}
	}
	return config.PublishJSON(ctx, RegistrationTopic(), ev)
}

// PubSubPushHandler receives registration triggers from a push subscription.
// Malformed messages are acked and dropped so they are not redelivered.
func PubSubPushHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := e.log()
		if !pushEndpointEnabled() {
			c.Status(http.StatusNoContent)
			return
		}
		if status, err := authorizePush(c.Request); err != nil {
			config.LogError(logger, "dpsync", "PubSubPushHandler", "Authorize push request", nil, err)
			c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "dpsync", "PubSubPushHandler", "Unmarshal push envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		ctx := c.Request.Context()
		if _, ok := utils.GetCorrelationIdFromContext(ctx); !ok && envelope.Message.ID != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, envelope.Message.ID)
		}
		if err := e.handleRegistrationMessage(ctx, envelope.Message.Data); err != nil && !isPoisonMessage(err) {
			// let Pub/Sub redeliver
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// pushEndpointEnabled defaults to off when a pull subscription consumes the
// same topic.
func pushEndpointEnabled() bool {
	pulling := utils.EnvStringDefault("DP_REGISTRATION_SUBSCRIPTION", "") != ""
	return utils.EnvBoolDefault("ENABLE_DP_PUBSUB_PUSH_ENDPOINT", !pulling)
}

// authorizePush verifies the bearer OIDC token when DP_PUBSUB_PUSH_AUDIENCE
// is set. DP_PUBSUB_PUSH_SERVICE_ACCOUNT pins the signing service account.
func authorizePush(req *http.Request) (int, error) {
	audience := utils.EnvStringDefault("DP_PUBSUB_PUSH_AUDIENCE", "")
	if audience == "" {
		return 0, nil
	}
	raw := strings.TrimSpace(req.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return http.StatusUnauthorized, errors.New("missing bearer token")
	}
	payload, err := validatePushToken(req.Context(), strings.TrimSpace(token), audience)
	if err != nil {
		return http.StatusUnauthorized, fmt.Errorf("invalid push token: %w", err)
	}
	if want := utils.EnvStringDefault("DP_PUBSUB_PUSH_SERVICE_ACCOUNT", ""); want != "" {
		email, _ := payload.Claims["email"].(string)
		verified, _ := payload.Claims["email_verified"].(bool)
		if !verified || !strings.EqualFold(email, want) {
			return http.StatusForbidden, fmt.Errorf("push token issued to %q", email)
		}
	}
	return 0, nil
}

// StartPullSubscriber consumes registration triggers until ctx is done.
func (e *Engine) StartPullSubscriber(ctx context.Context, subscription string) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, RegistrationTopic())
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, subscription, topic)
	if err != nil {
		return err
	}
	return sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
		msgCtx = utils.SetCorrelationIdInContext(msgCtx, m.ID)
		if err := e.handleRegistrationMessage(msgCtx, m.Data); err != nil && !isPoisonMessage(err) {
			m.Nack()
			return
		}
		m.Ack()
	})
}

type poisonMessageError struct{ err error }

func (p poisonMessageError) Error() string { return p.err.Error() }
func (p poisonMessageError) Unwrap() error { return p.err }

func isPoisonMessage(err error) bool {
	var p poisonMessageError
	return errors.As(err, &p)
}

func (e *Engine) handleRegistrationMessage(ctx context.Context, data []byte) error {
	logger := e.log()
	var ev RegistrationSucceeded
	if err := json.Unmarshal(data, &ev); err != nil {
		config.LogError(logger, "dpsync", "handleRegistrationMessage", "Unmarshal registration payload", string(data), err)
		return poisonMessageError{err}
	}
	if err := utils.ValidateStruct(ev); err != nil {
		config.LogError(logger, "dpsync", "handleRegistrationMessage", "Invalid registration payload", ev, err)
		return poisonMessageError{fmt.Errorf("invalid registration payload: %w", err)}
	}
	if _, err := e.OnRegistrationSucceeded(ctx, ev); err != nil {
		if errors.Is(err, resolution.ErrMissingInvoiceNumber) {
			return poisonMessageError{err}
		}
		config.LogError(logger, "dpsync", "handleRegistrationMessage", "Enqueue resolution job", ev, err)
		return err
	}
	return nil
}
