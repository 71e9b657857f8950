package pronunciation

import (
	"nkowa/api/internal/apperr"
	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

// Add appends a fresh entry recorded by speakerID.
func Add(state *store.SuggestionState, audio, speakerID string) store.Pronunciation {
	entry := store.Pronunciation{
		ID:        util.NewID(""),
		Audio:     audio,
		Speaker:   speakerID,
		Approvals: []string{},
		Denials:   []string{},
		Review:    true,
	}
	state.Pronunciations = append(state.Pronunciations, entry)
	state.UserInteractions, _ = util.AddToSet(state.UserInteractions, speakerID)
	state.Flag(store.CrowdsourcingRecordAudio)
	return entry
}

// Archive soft-deletes the entry with entryID. Archiving twice is a no-op.
func Archive(state *store.SuggestionState, entryID string) error {
	for i := range state.Pronunciations {
		if state.Pronunciations[i].ID == entryID {
			state.Pronunciations[i].Archived = true
			state.Pronunciations[i].Review = false
			return nil
		}
	}
	return apperr.NotFound("pronunciation not found")
}

// Reconcile folds an edited pronunciation list into state. Entries left out
// of incoming are archived. An entry whose audio changed is edited in place
// until someone has reviewed it; after that the old entry is archived and the
// new audio becomes a new entry. Entries without a known id are added as new
// recordings by actor.
func Reconcile(state *store.SuggestionState, incoming []store.Pronunciation, actor string) {
	byID := make(map[string]store.Pronunciation, len(incoming))
	fresh := make([]store.Pronunciation, 0)
	for _, entry := range incoming {
		if entry.Audio == "" {
			continue
		}
		if entry.ID == "" || !known(state, entry.ID) {
			fresh = append(fresh, entry)
			continue
		}
		byID[entry.ID] = entry
	}

	replaced := make([]string, 0)
	for i := range state.Pronunciations {
		current := &state.Pronunciations[i]
		if current.Archived {
			continue
		}
		edited, ok := byID[current.ID]
		if !ok {
			current.Archived = true
			current.Review = false
			continue
		}
		if edited.Audio == current.Audio {
			continue
		}
		if reviewed(*current) {
			current.Archived = true
			current.Review = false
			replaced = append(replaced, edited.Audio)
			continue
		}
		current.Audio = edited.Audio
		current.Speaker = actor
		current.Review = true
		state.UserInteractions, _ = util.AddToSet(state.UserInteractions, actor)
	}

	for _, audio := range replaced {
		Add(state, audio, actor)
	}
	for _, entry := range fresh {
		Add(state, entry.Audio, actor)
	}
}

func known(state *store.SuggestionState, id string) bool {
	for _, entry := range state.Pronunciations {
		if entry.ID == id {
			return true
		}
	}
	return false
}

func reviewed(entry store.Pronunciation) bool {
	return len(entry.Approvals) > 0 || len(entry.Denials) > 0
}

// Active returns a copy of doc whose pronunciation list holds only entries
// that are not archived.
func Active(doc *store.ExampleSuggestion) *store.ExampleSuggestion {
	out := *doc
	out.Pronunciations = doc.ActivePronunciations()
	return &out
}
