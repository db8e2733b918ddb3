package models

// CallType is the media shape of a call.
type CallType string

const (
	CallAudio  CallType = "audio"
	CallVideo  CallType = "video"
	CallScreen CallType = "screen"
)

// ValidCallType reports whether t is a known call type.
func ValidCallType(t CallType) bool {
	switch t {
	case CallAudio, CallVideo, CallScreen:
		return true
	default:
		return false
	}
}
