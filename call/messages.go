package call

import (
	"errors"

	"chatline/media"
	"chatline/models"
)

// User-facing error copy.
const (
	MessageNoRoom             = "Please select a room first"
	MessageVideoDenied        = "Camera and microphone access was denied. Please allow access to use video call."
	MessageAudioDenied        = "Microphone access was denied. Please allow access to use audio call."
	MessageVideoNotFound      = "No camera or microphone found. Please check your devices."
	MessageAudioNotFound      = "No microphone found. Please check your audio devices."
	MessageMediaFailed        = "Failed to access media devices. Please try again."
	MessageScreenDenied       = "Screen sharing permission was denied. Please allow access to share your screen."
	MessageScreenFailed       = "Failed to start screen sharing. Please try again."
	MessageSourcesUnavailable = "Failed to get available screens. Please try again."
)

// UserMessage maps an acquisition error to the copy shown for callType.
func UserMessage(callType models.CallType, err error) string {
	if callType == models.CallScreen {
		if errors.Is(err, media.ErrPermissionDenied) {
			return MessageScreenDenied
		}
		return MessageScreenFailed
	}

	video := callType == models.CallVideo
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		if video {
			return MessageVideoDenied
		}
		return MessageAudioDenied
	case errors.Is(err, media.ErrDeviceNotFound):
		if video {
			return MessageVideoNotFound
		}
		return MessageAudioNotFound
	default:
		return MessageMediaFailed
	}
}
