// Package worker provides the NATS worker that turns processed-text events
// into narrated audio.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/voices"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 10 * time.Minute

var (
	// ErrUnsupportedVoice indicates the voice is not in the backend's catalog.
	ErrUnsupportedVoice = errors.New("unsupported voice")
	// ErrTextKeyEmpty indicates that the event carries no text object key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
)

// NatsWorker listens for processed-text events on a NATS subject and
// responds with narrated audio chunks.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	backendName    string
	textStore      core.ObjectStore
	audioStore     core.ObjectStore
	narrator       core.Narrator
	log            *logger.Logger
}

// NewNatsWorker creates a worker bound to one subject and one narration
// backend.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	backendName string,
	textStore core.ObjectStore,
	audioStore core.ObjectStore,
	narrator core.Narrator,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		backendName:    backendName,
		textStore:      textStore,
		audioStore:     audioStore,
		narrator:       narrator,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until the context is canceled.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	audioKey, processErr := w.processNarrationJob(ctx, event)
	if processErr != nil {
		w.log.Error(
			"Failed to narrate text for workflow %s: %v",
			event.Header.WorkflowID, processErr,
		)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(
			"Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID, err,
		)
	}
}

// processNarrationJob downloads the text object, narrates it, and uploads
// the assembled audio under a fresh key.
func (w *NatsWorker) processNarrationJob(
	ctx context.Context,
	event *events.TextProcessedEvent,
) (string, error) {
	textData, err := w.textStore.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf(
			"failed to download text data for key '%s': %w",
			event.TextKey, err,
		)
	}

	job := core.NarrationJob{Voice: event.Voice, Rate: ""}

	result, err := w.narrator.Narrate(ctx, textData, job)
	if err != nil {
		return "", fmt.Errorf("failed to narrate text: %w", err)
	}

	if len(result.FailedUnits) > 0 {
		w.log.Warn(
			"Narration for workflow %s completed with %d failed units: %v",
			event.Header.WorkflowID, len(result.FailedUnits), result.FailedUnits,
		)
	}

	audioKey := uuid.NewString() + result.Extension

	err = w.audioStore.Upload(ctx, audioKey, result.Audio)
	if err != nil {
		return "", fmt.Errorf(
			"failed to upload audio data for key '%s': %w",
			audioKey, err,
		)
	}

	return audioKey, nil
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func (w *NatsWorker) publishReplyEvent(
	msg *nats.Msg,
	replyEvent *events.AudioChunkCreatedEvent,
) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	validationErr := w.validateEvent(&event)
	if validationErr != nil {
		return nil, validationErr
	}

	return &event, nil
}

// validateEvent checks the event against the backend's voice catalog. An
// empty voice is allowed; the narrator falls back to the configured
// default.
func (w *NatsWorker) validateEvent(event *events.TextProcessedEvent) error {
	if event.TextKey == "" {
		return ErrTextKeyEmpty
	}

	if event.Voice == "" {
		return nil
	}

	_, known := voices.Lookup(w.backendName, event.Voice)
	if !known {
		return fmt.Errorf("%w: '%s'", ErrUnsupportedVoice, event.Voice)
	}

	return nil
}
