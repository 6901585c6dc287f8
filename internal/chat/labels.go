package chat

import "github.com/user/sessionchat/pkg/backend"

// Placeholder labels shown while the assistant reply is pending.
const (
	LabelThinking = "Assistant is thinking..."
	LabelSearch   = "Searching the internet..."
	LabelImage    = "Creating the image..."
	LabelCode     = "Processing your code request..."
)

// stageLabel picks the label for the first intent flag set, checked in
// order: internet search, image generation, code.
func stageLabel(intent backend.Intent) string {
	switch {
	case intent.InternetSearch:
		return LabelSearch
	case intent.ImageGeneration:
		return LabelImage
	case intent.CodeIntent:
		return LabelCode
	default:
		return LabelThinking
	}
}
