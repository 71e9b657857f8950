package store

import (
	"fmt"
	"time"
)

// SystemActor is recorded as mergedBy when a merge is triggered by review
// thresholds rather than by a person.
const SystemActor = "system"

type Collection string

const (
	CollectionWords              Collection = "words"
	CollectionExamples           Collection = "examples"
	CollectionCorpora            Collection = "corpora"
	CollectionNsibidiCharacters  Collection = "nsibidi_characters"
	CollectionWordSuggestions    Collection = "word_suggestions"
	CollectionExampleSuggestions Collection = "example_suggestions"
	CollectionCorpusSuggestions  Collection = "corpus_suggestions"
	CollectionNsibidiSuggestions Collection = "nsibidi_character_suggestions"
)

type SuggestionKind string

const (
	KindWord             SuggestionKind = "word"
	KindExample          SuggestionKind = "example"
	KindCorpus           SuggestionKind = "corpus"
	KindNsibidiCharacter SuggestionKind = "nsibidi_character"
)

var Kinds = []SuggestionKind{KindWord, KindExample, KindCorpus, KindNsibidiCharacter}

// KindFromPath maps the plural route segment ("words", "examples", ...) to a kind.
func KindFromPath(segment string) (SuggestionKind, bool) {
	switch segment {
	case "words":
		return KindWord, true
	case "examples":
		return KindExample, true
	case "corpora":
		return KindCorpus, true
	case "nsibidi":
		return KindNsibidiCharacter, true
	default:
		return "", false
	}
}

func (k SuggestionKind) SuggestionCollection() Collection {
	switch k {
	case KindWord:
		return CollectionWordSuggestions
	case KindExample:
		return CollectionExampleSuggestions
	case KindCorpus:
		return CollectionCorpusSuggestions
	case KindNsibidiCharacter:
		return CollectionNsibidiSuggestions
	}
	return ""
}

func (k SuggestionKind) CanonicalCollection() Collection {
	switch k {
	case KindWord:
		return CollectionWords
	case KindExample:
		return CollectionExamples
	case KindCorpus:
		return CollectionCorpora
	case KindNsibidiCharacter:
		return CollectionNsibidiCharacters
	}
	return ""
}

// KeywordFields lists the string fields a keyword query matches against.
func (k SuggestionKind) KeywordFields() []string {
	switch k {
	case KindWord:
		return []string{"word"}
	case KindExample:
		return []string{"igbo", "english", "meaning"}
	case KindCorpus:
		return []string{"title", "body"}
	case KindNsibidiCharacter:
		return []string{"nsibidi", "pronunciation"}
	}
	return nil
}

type CrowdsourcingType string

const (
	CrowdsourcingTranslate   CrowdsourcingType = "TRANSLATE_IGBO_SENTENCE"
	CrowdsourcingRecordAudio CrowdsourcingType = "RECORD_EXAMPLE_AUDIO"
	CrowdsourcingVerifyAudio CrowdsourcingType = "VERIFY_EXAMPLE_AUDIO"
)

type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusMergeRequested Status = "MERGE_REQUESTED"
	StatusMerged         Status = "MERGED"
)

// Meta is embedded in every persisted document. Version is the optimistic
// concurrency token; zero means the document has never been saved.
type Meta struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *Meta) GetMeta() *Meta { return m }

type Document interface {
	GetMeta() *Meta
}

type Pronunciation struct {
	ID        string   `json:"id"`
	Audio     string   `json:"audio"`
	Speaker   string   `json:"speaker"`
	Approvals []string `json:"approvals"`
	Denials   []string `json:"denials"`
	Review    bool     `json:"review"`
	Archived  bool     `json:"archived"`
}

// SuggestionState is the review ledger and merge bookkeeping shared by every
// suggestion kind.
type SuggestionState struct {
	OriginalID       string                     `json:"originalId,omitempty"`
	AuthorID         string                     `json:"authorId"`
	Approvals        []string                   `json:"approvals"`
	Denials          []string                   `json:"denials"`
	UserInteractions []string                   `json:"userInteractions"`
	Merged           string                     `json:"merged,omitempty"`
	MergedBy         string                     `json:"mergedBy,omitempty"`
	MergeRequestedBy string                     `json:"mergeRequestedBy,omitempty"`
	MergeRequestedAt *time.Time                 `json:"mergeRequestedAt,omitempty"`
	Crowdsourcing    map[CrowdsourcingType]bool `json:"crowdsourcing,omitempty"`
	Pronunciations   []Pronunciation            `json:"pronunciations"`
	Source           string                     `json:"source,omitempty"`
	EditorsNotes     string                     `json:"editorsNotes,omitempty"`
}

func (s *SuggestionState) State() *SuggestionState { return s }

func (s *SuggestionState) IsMerged() bool { return s.Merged != "" }

func (s *SuggestionState) Status() Status {
	switch {
	case s.Merged != "":
		return StatusMerged
	case s.MergeRequestedBy != "":
		return StatusMergeRequested
	default:
		return StatusDraft
	}
}

func (s *SuggestionState) Flag(t CrowdsourcingType) {
	if s.Crowdsourcing == nil {
		s.Crowdsourcing = make(map[CrowdsourcingType]bool)
	}
	s.Crowdsourcing[t] = true
}

// ActivePronunciations returns the entries that are not archived.
func (s *SuggestionState) ActivePronunciations() []Pronunciation {
	out := make([]Pronunciation, 0, len(s.Pronunciations))
	for _, entry := range s.Pronunciations {
		if !entry.Archived {
			out = append(out, entry)
		}
	}
	return out
}

type Suggestion interface {
	Document
	State() *SuggestionState
	Kind() SuggestionKind
}

type Definition struct {
	ID          string   `json:"id,omitempty"`
	WordClass   string   `json:"wordClass"`
	Definitions []string `json:"definitions"`
	Nsibidi     string   `json:"nsibidi,omitempty"`
}

type DialectEntry struct {
	ID            string   `json:"id,omitempty"`
	Word          string   `json:"word"`
	Variations    []string `json:"variations,omitempty"`
	Dialects      []string `json:"dialects"`
	Pronunciation string   `json:"pronunciation,omitempty"`
	Editor        string   `json:"editor,omitempty"`
}

type WordFields struct {
	Word         string            `json:"word"`
	Definitions  []Definition      `json:"definitions"`
	Variations   []string          `json:"variations"`
	Stems        []string          `json:"stems"`
	RelatedTerms []string          `json:"relatedTerms,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Tenses       map[string]string `json:"tenses,omitempty"`
	Frequency    int               `json:"frequency,omitempty"`
	Attributes   map[string]bool   `json:"attributes,omitempty"`
	Dialects     []DialectEntry    `json:"dialects,omitempty"`
}

type ExampleFields struct {
	Igbo                         string   `json:"igbo"`
	English                      string   `json:"english,omitempty"`
	Meaning                      string   `json:"meaning,omitempty"`
	Nsibidi                      string   `json:"nsibidi,omitempty"`
	Style                        string   `json:"style,omitempty"`
	Type                         string   `json:"type,omitempty"`
	AssociatedWords              []string `json:"associatedWords"`
	AssociatedDefinitionsSchemas []string `json:"associatedDefinitionsSchemas,omitempty"`
}

type CorpusFields struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Media    string   `json:"media,omitempty"`
	Duration int      `json:"duration,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type NsibidiFields struct {
	Nsibidi       string   `json:"nsibidi"`
	Pronunciation string   `json:"pronunciation,omitempty"`
	Definitions   []string `json:"definitions,omitempty"`
	Radicals      []string `json:"radicals,omitempty"`
	WordClass     string   `json:"wordClass,omitempty"`
}

type Word struct {
	Meta
	WordFields
	Pronunciations []Pronunciation `json:"pronunciations,omitempty"`
}

type Example struct {
	Meta
	ExampleFields
	Pronunciations []Pronunciation `json:"pronunciations"`
}

type Corpus struct {
	Meta
	CorpusFields
}

type NsibidiCharacter struct {
	Meta
	NsibidiFields
}

type WordSuggestion struct {
	Meta
	SuggestionState
	WordFields
	Examples []ExampleSuggestion `json:"examples,omitempty"`
}

func (*WordSuggestion) Kind() SuggestionKind { return KindWord }

// ExampleSuggestion is either a standalone document or, with
// ExampleForSuggestion set, an entry nested in a WordSuggestion and addressed
// by EntityID instead of Meta.ID.
type ExampleSuggestion struct {
	Meta
	SuggestionState
	ExampleFields
	ExampleForSuggestion bool   `json:"exampleForSuggestion"`
	EntityID             string `json:"entityId,omitempty"`
}

func (*ExampleSuggestion) Kind() SuggestionKind { return KindExample }

type CorpusSuggestion struct {
	Meta
	SuggestionState
	CorpusFields
}

func (*CorpusSuggestion) Kind() SuggestionKind { return KindCorpus }

type NsibidiCharacterSuggestion struct {
	Meta
	SuggestionState
	NsibidiFields
}

func (*NsibidiCharacterSuggestion) Kind() SuggestionKind { return KindNsibidiCharacter }

// NewSuggestion returns an empty suggestion of the given kind.
func NewSuggestion(kind SuggestionKind) (Suggestion, error) {
	switch kind {
	case KindWord:
		return &WordSuggestion{}, nil
	case KindExample:
		return &ExampleSuggestion{}, nil
	case KindCorpus:
		return &CorpusSuggestion{}, nil
	case KindNsibidiCharacter:
		return &NsibidiCharacterSuggestion{}, nil
	}
	return nil, fmt.Errorf("unknown suggestion kind %q", kind)
}

// NewCanonical returns an empty canonical document of the given kind.
func NewCanonical(kind SuggestionKind) (Document, error) {
	switch kind {
	case KindWord:
		return &Word{}, nil
	case KindExample:
		return &Example{}, nil
	case KindCorpus:
		return &Corpus{}, nil
	case KindNsibidiCharacter:
		return &NsibidiCharacter{}, nil
	}
	return nil, fmt.Errorf("unknown suggestion kind %q", kind)
}

// KindOfCollection maps a collection back to its kind and reports whether it
// holds suggestions rather than canonical documents.
func KindOfCollection(collection Collection) (kind SuggestionKind, suggestions bool, ok bool) {
	for _, k := range Kinds {
		switch collection {
		case k.SuggestionCollection():
			return k, true, true
		case k.CanonicalCollection():
			return k, false, true
		}
	}
	return "", false, false
}

// Collections lists every collection, canonical ones first.
func Collections() []Collection {
	out := make([]Collection, 0, 2*len(Kinds))
	for _, k := range Kinds {
		out = append(out, k.CanonicalCollection())
	}
	for _, k := range Kinds {
		out = append(out, k.SuggestionCollection())
	}
	return out
}
