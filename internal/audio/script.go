package audio

import (
	"fmt"
	"strings"
)

// NarratorSpeaker is the literal speaker name reserved for narration.
const NarratorSpeaker = "Narrator"

// maxCharacterSlots is the number of non-narrator voice slots the upstream
// TTS service accepts (Slot 2..Slot 4).
const maxCharacterSlots = 3

// SpeakerMap is a bijection from logical speaker name to TTS slot number
// (1..4). The narrator is always Slot 1.
type SpeakerMap map[string]int

// FormatResult is the output of formatting a Story (or plain text) into a
// TTS-ready script.
type FormatResult struct {
	// Script is newline-joined "Slot K: <text>" lines.
	Script string

	// Slots is the ordered list of slot numbers actually used in Script,
	// Slot 1 first.
	Slots []int

	// Speakers maps each logical speaker name to its slot.
	Speakers SpeakerMap

	// Voices is the voice id list aligned positionally with Slots.
	Voices []string

	// Warning is non-empty when more than three non-narrator characters
	// were present and the overflow was folded into Slot 1. Formatting
	// never fails on this condition.
	Warning string
}

// VoiceDefaults supplies the fallback voice id for Slot 1..Slot 4 and any
// per-character-name override that forces a specific voice regardless of
// slot defaults.
type VoiceDefaults struct {
	Narrator string
	Slots    [maxCharacterSlots]string // Slot 2, Slot 3, Slot 4 defaults, in order
	Override map[string]string         // character name -> voice id
}

// FormatStory converts a structured story into a TTS script, grounded on
// the speaker-slot assignment rules in story_models.py's to_tts_script():
// Narrator is always Slot 1, the first three declared characters take
// Slot 2..4 in order, and any other speaker name (an unmapped or
// overflow character) is folded into Slot 1 rather than rejected.
func FormatStory(story Story, voices VoiceDefaults) FormatResult {
	speakerMap := SpeakerMap{NarratorSpeaker: 1}
	slot := 2
	for _, c := range story.Characters {
		if slot > 1+maxCharacterSlots {
			break
		}
		speakerMap[c] = slot
		slot++
	}

	var warning string
	if len(story.Characters) > maxCharacterSlots {
		warning = fmt.Sprintf("story declares %d characters; only the first %d received a dedicated slot, the rest were folded into Slot 1", len(story.Characters), maxCharacterSlots)
	}

	var lines []string
	used := make(map[int]bool)
	for _, ch := range story.Chapters {
		for _, line := range ch.Lines {
			s, ok := speakerMap[line.Speaker]
			if !ok {
				s = 1
			}
			used[s] = true
			lines = append(lines, fmt.Sprintf("Slot %d: %s", s, line.Text))
		}
	}

	slots := make([]int, 0, 4)
	for s := 1; s <= 1+maxCharacterSlots; s++ {
		if used[s] {
			slots = append(slots, s)
		}
	}

	return FormatResult{
		Script:   strings.Join(lines, "\n"),
		Slots:    slots,
		Speakers: speakerMap,
		Voices:   resolveVoices(slots, speakerMap, voices),
		Warning:  warning,
	}
}

// FormatPlainText treats unstructured text as a single narrator utterance.
func FormatPlainText(text string, voices VoiceDefaults) FormatResult {
	return FormatResult{
		Script:   "Slot 1: " + text,
		Slots:    []int{1},
		Speakers: SpeakerMap{NarratorSpeaker: 1},
		Voices:   []string{firstNonEmpty(voices.Narrator, "en-Alice_woman")},
	}
}

func resolveVoices(slots []int, speakerMap SpeakerMap, voices VoiceDefaults) []string {
	reverse := make(map[int]string, len(speakerMap))
	for name, s := range speakerMap {
		reverse[s] = name
	}

	out := make([]string, 0, len(slots))
	for _, s := range slots {
		if name, ok := reverse[s]; ok {
			if v, ok := voices.Override[name]; ok && v != "" {
				out = append(out, v)
				continue
			}
		}
		switch s {
		case 1:
			out = append(out, firstNonEmpty(voices.Narrator, "en-Alice_woman"))
		default:
			idx := s - 2
			if idx >= 0 && idx < len(voices.Slots) {
				out = append(out, voices.Slots[idx])
			} else {
				out = append(out, voices.Narrator)
			}
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
