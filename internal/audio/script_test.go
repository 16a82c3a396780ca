package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVoices() VoiceDefaults {
	return VoiceDefaults{
		Narrator: "en-Alice_woman",
		Slots:    [3]string{"en-Bob_man", "en-Claire_woman", "en-David_man"},
	}
}

func TestFormatStory_NarratorOnly(t *testing.T) {
	t.Parallel()
	story := Story{
		Chapters: []Chapter{
			{Lines: []DialogueLine{
				{Speaker: NarratorSpeaker, Text: "Once upon a time."},
				{Speaker: NarratorSpeaker, Text: "The end."},
			}},
		},
	}

	result := FormatStory(story, testVoices())

	assert.Equal(t, "Slot 1: Once upon a time.\nSlot 1: The end.", result.Script)
	assert.Equal(t, []int{1}, result.Slots)
	assert.Equal(t, []string{"en-Alice_woman"}, result.Voices)
	assert.Empty(t, result.Warning)
}

func TestFormatStory_NarratorPlusTwoCharacters(t *testing.T) {
	t.Parallel()
	story := Story{
		Characters: []string{"Kaveh", "Mirza"},
		Chapters: []Chapter{
			{Lines: []DialogueLine{
				{Speaker: NarratorSpeaker, Text: "They met at dusk."},
				{Speaker: "Kaveh", Text: "Hello."},
				{Speaker: "Mirza", Text: "Hello yourself."},
			}},
		},
	}

	result := FormatStory(story, testVoices())

	require.Equal(t, 2, result.Speakers["Kaveh"])
	require.Equal(t, 3, result.Speakers["Mirza"])
	assert.Equal(t, 1, result.Speakers[NarratorSpeaker])
	assert.Equal(t, []int{1, 2, 3}, result.Slots)
	assert.Equal(t, []string{"en-Alice_woman", "en-Bob_man", "en-Claire_woman"}, result.Voices)
	assert.Empty(t, result.Warning)
}

func TestFormatStory_FourthCharacterFoldsIntoSlot1WithWarning(t *testing.T) {
	t.Parallel()
	story := Story{
		Characters: []string{"A", "B", "C", "D"},
		Chapters: []Chapter{
			{Lines: []DialogueLine{
				{Speaker: "D", Text: "overflow line"},
				{Speaker: "A", Text: "slot 2 line"},
			}},
		},
	}

	result := FormatStory(story, testVoices())

	require.NotEmpty(t, result.Warning)
	assert.Contains(t, result.Script, "Slot 1: overflow line")
	assert.Equal(t, 2, result.Speakers["A"])
	_, hasD := result.Speakers["D"]
	assert.False(t, hasD, "a 4th character should never receive a dedicated slot")
}

func TestFormatStory_UnmappedSpeakerFallsBackToSlot1(t *testing.T) {
	t.Parallel()
	story := Story{
		Chapters: []Chapter{
			{Lines: []DialogueLine{{Speaker: "Mystery Guest", Text: "Who am I?"}}},
		},
	}

	result := FormatStory(story, testVoices())

	assert.Equal(t, "Slot 1: Who am I?", result.Script)
}

func TestFormatStory_VoiceOverrideAppliesToCharacter(t *testing.T) {
	t.Parallel()
	story := Story{
		Characters: []string{"Kaveh"},
		Chapters: []Chapter{
			{Lines: []DialogueLine{{Speaker: "Kaveh", Text: "Hi."}}},
		},
	}
	voices := testVoices()
	voices.Override = map[string]string{"Kaveh": "en-David_man"}

	result := FormatStory(story, voices)

	assert.Equal(t, []string{"en-David_man"}, result.Voices)
}

func TestFormatPlainText_SingleNarratorUtterance(t *testing.T) {
	t.Parallel()
	result := FormatPlainText("Just a plain paragraph.", testVoices())

	assert.Equal(t, "Slot 1: Just a plain paragraph.", result.Script)
	assert.Equal(t, []int{1}, result.Slots)
	assert.Equal(t, []string{"en-Alice_woman"}, result.Voices)
}
