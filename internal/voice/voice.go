// Package voice implements the LiveKit room and token lifecycle a voice
// channel sits on top of, plus the VoiceChannel / Registry glue that
// binds a LiveKit room to an MLS group's Group Ratchet Manager so every
// frame published into the room is encrypted under the group's current
// epoch before it ever reaches LiveKit's media plane.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
)

// Config holds configuration for the voice service.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	Logger    *slog.Logger
}

// Service manages LiveKit rooms and issues join tokens. It has no
// opinion about what travels over those rooms: frame-level encryption
// is Registry's and voiceframe's job, entirely below this layer.
type Service struct {
	roomClient *lksdk.RoomServiceClient
	apiKey     string
	apiSecret  string
	logger     *slog.Logger
}

// New creates a new voice service connected to LiveKit.
func New(cfg Config) (*Service, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("LiveKit URL, API key, and API secret are required")
	}

	roomClient := lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)

	return &Service{
		roomClient: roomClient,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		logger:     cfg.Logger,
	}, nil
}

// GenerateToken creates a LiveKit access token for a device joining a
// voice channel's room. identity is the basic voice credential named in
// SPEC_FULL.md §4.5's voice model, the little-endian encoded user id,
// not the MLS device credential.
func (s *Service) GenerateToken(identity, roomName string, canPublish, canSubscribe bool) (string, error) {
	at := auth.NewAccessToken(s.apiKey, s.apiSecret)
	canPublishData := canPublish
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           roomName,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(24 * time.Hour)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("generating LiveKit token: %w", err)
	}
	return token, nil
}

// EnsureRoom creates a LiveKit room for a voice channel if it doesn't
// already exist.
func (s *Service) EnsureRoom(ctx context.Context, roomName string) error {
	_, err := s.roomClient.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            roomName,
		EmptyTimeout:    300,
		MaxParticipants: 100,
	})
	if err != nil {
		s.logger.Debug("room create (may already exist)",
			slog.String("room", roomName),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// DeleteRoom removes a LiveKit room when a voice channel is torn down.
func (s *Service) DeleteRoom(ctx context.Context, roomName string) error {
	_, err := s.roomClient.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomName})
	return err
}

// ListParticipants returns current participants in a voice channel's
// room.
func (s *Service) ListParticipants(ctx context.Context, roomName string) ([]*livekit.ParticipantInfo, error) {
	resp, err := s.roomClient.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomName})
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return resp.Participants, nil
}
