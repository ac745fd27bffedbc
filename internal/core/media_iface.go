package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the transport half the negotiation engine drives.
// The production implementation wraps a pion PeerConnection.
type PeerConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// AddTrack attaches a local track and returns its sender for later replacement.
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnClosed sets a callback fired when the transport fails or closes.
	OnClosed(func())
}

type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

// MediaSource is one acquired local source (mic, camera, screen capture).
// The implementation behind it (device permissions, resolution) is an
// external capability; the call core only binds, swaps and releases it.
type MediaSource interface {
	ID() string
	Kind() MediaKind
	Track() webrtc.TrackLocal
	Close() error
}

// MediaProvider acquires local sources. Acquisition may block on user
// permission prompts, hence the context.
type MediaProvider interface {
	Acquire(ctx context.Context, kind MediaKind) (MediaSource, error)
}
