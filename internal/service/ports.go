package service

import (
	"context"

	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/pkg/storage"
)

// Pusher delivers a payload to a user's live sessions. Implemented by the
// websocket gateway.
type Pusher interface {
	Push(ctx context.Context, userID string, payload []byte) error
}

// EventPublisher streams membership transitions to downstream consumers.
// Implemented by the Kafka membership-event publisher.
type EventPublisher interface {
	PublishMembershipEvent(ctx context.Context, event model.MembershipEvent) error
}

// ObjectStorage stores forum images. Implemented by the S3 storage.
type ObjectStorage interface {
	Upload(ctx context.Context, data []byte, name, contentType, folder string) (*storage.StoredObject, error)
	Delete(ctx context.Context, key string) error
}
