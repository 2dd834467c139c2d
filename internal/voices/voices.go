// Package voices holds the static catalog of synthesis voices and lookup
// helpers over it.
package voices

import (
	"strings"

	"github.com/book-expert/narrator-service/internal/config"
	"github.com/sahilm/fuzzy"
)

// Voice describes one selectable synthesis voice.
type Voice struct {
	// ID is the identifier sent to the backend.
	ID string

	// Backend names the backend that serves this voice.
	Backend string

	// Gender is "F" or "M".
	Gender string

	// Style is a short human description of the voice character.
	Style string
}

// geminiVoices are the prebuilt voices accepted by the Gemini speech
// models.
var geminiVoices = []Voice{
	{ID: "Aoede", Backend: config.BackendGemini, Gender: "F", Style: "conversational"},
	{ID: "Kore", Backend: config.BackendGemini, Gender: "F", Style: "energetic"},
	{ID: "Leda", Backend: config.BackendGemini, Gender: "F", Style: "professional"},
	{ID: "Zephyr", Backend: config.BackendGemini, Gender: "F", Style: "bright"},
	{ID: "Achird", Backend: config.BackendGemini, Gender: "F", Style: "youthful, curious"},
	{ID: "Algenib", Backend: config.BackendGemini, Gender: "F", Style: "confident"},
	{ID: "Callirrhoe", Backend: config.BackendGemini, Gender: "F", Style: "professional"},
	{ID: "Despina", Backend: config.BackendGemini, Gender: "F", Style: "warm"},
	{ID: "Erinome", Backend: config.BackendGemini, Gender: "F", Style: "articulate"},
	{ID: "Laomedeia", Backend: config.BackendGemini, Gender: "F", Style: "inquisitive"},
	{ID: "Pulcherrima", Backend: config.BackendGemini, Gender: "F", Style: "lively"},
	{ID: "Sulafat", Backend: config.BackendGemini, Gender: "F", Style: "persuasive"},
	{ID: "Vindemiatrix", Backend: config.BackendGemini, Gender: "F", Style: "calm"},
	{ID: "Puck", Backend: config.BackendGemini, Gender: "M", Style: "upbeat"},
	{ID: "Charon", Backend: config.BackendGemini, Gender: "M", Style: "smooth"},
	{ID: "Orus", Backend: config.BackendGemini, Gender: "M", Style: "mature, deep"},
	{ID: "Autonoe", Backend: config.BackendGemini, Gender: "M", Style: "mature, resonant"},
	{ID: "Iapetus", Backend: config.BackendGemini, Gender: "M", Style: "clear"},
	{ID: "Umbriel", Backend: config.BackendGemini, Gender: "M", Style: "soft, seasoned"},
	{ID: "Achernar", Backend: config.BackendGemini, Gender: "M", Style: "friendly"},
	{ID: "Alnilam", Backend: config.BackendGemini, Gender: "M", Style: "energetic"},
	{ID: "Enceladus", Backend: config.BackendGemini, Gender: "M", Style: "enthusiastic"},
	{ID: "Fenrir", Backend: config.BackendGemini, Gender: "M", Style: "natural"},
	{ID: "Gacrux", Backend: config.BackendGemini, Gender: "M", Style: "confident"},
	{ID: "Rasalgethi", Backend: config.BackendGemini, Gender: "M", Style: "conversational"},
	{ID: "Sadachbia", Backend: config.BackendGemini, Gender: "M", Style: "deep, cool"},
	{ID: "Sadaltager", Backend: config.BackendGemini, Gender: "M", Style: "enthusiastic"},
	{ID: "Schedar", Backend: config.BackendGemini, Gender: "M", Style: "casual"},
	{ID: "Zubenelgenubi", Backend: config.BackendGemini, Gender: "M", Style: "powerful"},
}

// edgeVoices are the neural voices served by the Edge read-aloud endpoint.
var edgeVoices = []Voice{
	{ID: "en-US-AriaNeural", Backend: config.BackendEdge, Gender: "F", Style: "US English, expressive"},
	{ID: "en-US-GuyNeural", Backend: config.BackendEdge, Gender: "M", Style: "US English, warm"},
	{ID: "en-GB-SoniaNeural", Backend: config.BackendEdge, Gender: "F", Style: "British English"},
	{ID: "en-GB-RyanNeural", Backend: config.BackendEdge, Gender: "M", Style: "British English"},
	{ID: "en-US-AvaMultilingualNeural", Backend: config.BackendEdge, Gender: "F", Style: "US English, multilingual"},
	{ID: "en-US-BrianMultilingualNeural", Backend: config.BackendEdge, Gender: "M", Style: "US English, multilingual"},
	{ID: "en-US-AndrewMultilingualNeural", Backend: config.BackendEdge, Gender: "M", Style: "US English, multilingual"},
	{ID: "en-US-EmmaMultilingualNeural", Backend: config.BackendEdge, Gender: "F", Style: "US English, multilingual"},
	{ID: "en-AU-WilliamMultilingualNeural", Backend: config.BackendEdge, Gender: "M", Style: "Australian English, multilingual"},
	{ID: "pt-BR-ThalitaMultilingualNeural", Backend: config.BackendEdge, Gender: "F", Style: "Brazilian Portuguese, multilingual"},
	{ID: "pt-BR-FranciscaNeural", Backend: config.BackendEdge, Gender: "F", Style: "Brazilian Portuguese"},
	{ID: "es-ES-ElviraNeural", Backend: config.BackendEdge, Gender: "F", Style: "Castilian Spanish"},
	{ID: "fr-FR-RemyMultilingualNeural", Backend: config.BackendEdge, Gender: "M", Style: "French, multilingual"},
	{ID: "fr-FR-VivienneMultilingualNeural", Backend: config.BackendEdge, Gender: "F", Style: "French, multilingual"},
	{ID: "de-DE-FlorianMultilingualNeural", Backend: config.BackendEdge, Gender: "M", Style: "German, multilingual"},
	{ID: "de-DE-SeraphinaMultilingualNeural", Backend: config.BackendEdge, Gender: "F", Style: "German, multilingual"},
}

// ForBackend returns the catalog entries for one backend. An unknown
// backend yields an empty slice.
func ForBackend(backend string) []Voice {
	switch backend {
	case config.BackendGemini:
		return geminiVoices
	case config.BackendEdge:
		return edgeVoices
	default:
		return nil
	}
}

// Lookup finds a voice by exact ID within one backend's catalog.
func Lookup(backend, id string) (Voice, bool) {
	for _, voice := range ForBackend(backend) {
		if voice.ID == id {
			return voice, true
		}
	}

	return Voice{}, false
}

// Default returns the voice used when a request does not name one.
func Default(backend string) Voice {
	switch backend {
	case config.BackendEdge:
		voice, _ := Lookup(config.BackendEdge, "en-US-AriaNeural")

		return voice
	default:
		voice, _ := Lookup(config.BackendGemini, "Puck")

		return voice
	}
}

// Search fuzzy-matches term against voice IDs and style descriptions for
// one backend, best matches first. An empty term returns the whole
// catalog.
func Search(backend, term string) []Voice {
	catalog := ForBackend(backend)
	if strings.TrimSpace(term) == "" {
		return catalog
	}

	haystack := make([]string, len(catalog))
	for i, voice := range catalog {
		haystack[i] = voice.ID + " " + voice.Style
	}

	matches := fuzzy.Find(term, haystack)

	results := make([]Voice, 0, len(matches))
	for _, match := range matches {
		results = append(results, catalog[match.Index])
	}

	return results
}
