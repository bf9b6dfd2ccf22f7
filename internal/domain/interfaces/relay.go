package interfaces

import (
	"context"

	domaintypes "sigil/internal/domain/types"
)

// FrameSender writes control frames to the relay's delivery socket.
type FrameSender interface {
	SendFrame(ctx context.Context, f domaintypes.Frame) error
}
