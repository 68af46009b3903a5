// Package entities contains core business entities.
// These are the enterprise business rules - pure domain objects with no external dependencies.
package entities

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultMaxTurns is the number of turns a session keeps before evicting the oldest.
const DefaultMaxTurns = 10

// Role identifies who produced a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatTurn is a single message in a conversation. Immutable once appended.
type ChatTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is the bounded, append-only turn log of one conversation.
type ChatSession struct {
	ID         string     `json:"session_id"`
	ClassLevel int        `json:"class_level"`
	Subject    string     `json:"subject"`
	Language   string     `json:"language"`
	Turns      []ChatTurn `json:"turns"`
	MaxTurns   int        `json:"-"`
}

// ErrTurnOutOfOrder is returned when a turn is older than the last stored turn.
var ErrTurnOutOfOrder = errors.New("turn timestamp precedes last turn")

// Append adds turns in order, evicting the oldest beyond the cap.
// Either all turns are appended or none are.
func (s *ChatSession) Append(turns ...ChatTurn) error {
	last := time.Time{}
	if n := len(s.Turns); n > 0 {
		last = s.Turns[n-1].Timestamp
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("invalid role %q", t.Role)
		}
		if t.Timestamp.Before(last) {
			return ErrTurnOutOfOrder
		}
		last = t.Timestamp
	}

	s.Turns = append(s.Turns, turns...)
	limit := s.MaxTurns
	if limit <= 0 {
		limit = DefaultMaxTurns
	}
	if over := len(s.Turns) - limit; over > 0 {
		kept := make([]ChatTurn, limit)
		copy(kept, s.Turns[over:])
		s.Turns = kept
	}
	return nil
}

// Recent returns a copy of the last n turns.
func (s *ChatSession) Recent(n int) []ChatTurn {
	return LastTurns(s.Turns, n)
}

// LastTurns returns a copy of the last n turns of history.
func LastTurns(history []ChatTurn, n int) []ChatTurn {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if n > len(history) {
		n = len(history)
	}
	out := make([]ChatTurn, n)
	copy(out, history[len(history)-n:])
	return out
}

// Chapter is static curriculum metadata, unique by (ClassLevel, Subject, Number).
type Chapter struct {
	Number      int      `json:"chapter_number" yaml:"chapter_number"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Topics      []string `json:"topics" yaml:"topics"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords"`
	ClassLevel  int      `json:"class_level" yaml:"class_level"`
	Subject     string   `json:"subject" yaml:"subject"`
}

// Key returns the chapter's unique identity.
func (c Chapter) Key() ChapterKey {
	return ChapterKey{ClassLevel: c.ClassLevel, Subject: NormalizeSubject(c.Subject), Number: c.Number}
}

// ChapterKey identifies a chapter across the curriculum.
type ChapterKey struct {
	ClassLevel int
	Subject    string
	Number     int
}

// NormalizeSubject folds a subject name for comparisons ("computer  science" == "Computer Science").
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.Join(strings.Fields(subject), " "))
}

// DocumentChunk is a slice of course notes with its embedding.
// Written by the ingestion job; read-only here.
type DocumentChunk struct {
	ID            string         `json:"id"`
	ChapterID     string         `json:"chapter_id"`
	ChapterNumber int            `json:"chapter_number"`
	ChapterTitle  string         `json:"chapter_title"`
	ClassLevel    int            `json:"class_level"`
	Subject       string         `json:"subject"`
	Text          string         `json:"chunk_text"`
	Index         int            `json:"chunk_index"`
	Embedding     []float32      `json:"embedding,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ScoredChunk is a chunk with its similarity to the query, in [0,1].
type ScoredChunk struct {
	Chunk      DocumentChunk
	Similarity float64
}

// SortScored orders chunks by similarity descending. Ties fall back to chapter,
// chunk index and id so every store and the retriever agree on one order.
func SortScored(chunks []ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Chunk.ChapterNumber != b.Chunk.ChapterNumber {
			return a.Chunk.ChapterNumber < b.Chunk.ChapterNumber
		}
		if a.Chunk.Index != b.Chunk.Index {
			return a.Chunk.Index < b.Chunk.Index
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

// RetrievalResult is the ordered output of a retrieval. Never persisted.
type RetrievalResult struct {
	Query  string
	Scope  Scope
	Chunks []ScoredChunk
}

// Empty reports whether nothing cleared the similarity floor.
func (r RetrievalResult) Empty() bool {
	return len(r.Chunks) == 0
}

// ChapterNumbers returns the distinct chapters present in the result, in first-seen order.
func (r RetrievalResult) ChapterNumbers() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, c := range r.Chunks {
		if _, ok := seen[c.Chunk.ChapterNumber]; ok {
			continue
		}
		seen[c.Chunk.ChapterNumber] = struct{}{}
		out = append(out, c.Chunk.ChapterNumber)
	}
	return out
}

// Scope constrains retrieval to a set of chapters. The zero value is unscoped.
type Scope struct {
	Primary    int      `json:"primary_chapter,omitempty"`
	Secondary  []int    `json:"secondary_chapters,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Topics     []string `json:"topics_identified,omitempty"`
	// Reason is set when the scope is unconstrained ("no-metadata", "no-signal").
	Reason string `json:"reason,omitempty"`
}

// Unscoped reports whether retrieval should search the whole class/subject.
func (s Scope) Unscoped() bool {
	return s.Primary == 0
}

// Chapters returns primary followed by up to maxSecondary secondary chapters.
func (s Scope) Chapters(maxSecondary int) []int {
	if s.Unscoped() {
		return nil
	}
	out := []int{s.Primary}
	for i, c := range s.Secondary {
		if maxSecondary >= 0 && i >= maxSecondary {
			break
		}
		out = append(out, c)
	}
	return out
}

// Source is a citation attached to an answer.
type Source struct {
	Chapter   int     `json:"chapter"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance"`
}

// Answer is the output of the answer generator.
type Answer struct {
	Text        string   `json:"answer"`
	Explanation string   `json:"explanation"`
	Sources     []Source `json:"sources"`
	Confidence  float64  `json:"confidence"`
	Grounded    bool     `json:"grounded"`
	Formulas    []string `json:"formulas_used,omitempty"`
	// Stripped counts citations removed because they referenced unretrieved chunks.
	Stripped int `json:"-"`
	// Recovered is set when the model ignored the output format and its raw text was used.
	Recovered bool `json:"-"`
}

// QuestionRequest is the inbound request to the pipeline.
type QuestionRequest struct {
	SessionID  string     `json:"session_id,omitempty"`
	Query      string     `json:"query"`
	ClassLevel int        `json:"class_level"`
	Subject    string     `json:"subject"`
	Language   string     `json:"language"`
	History    []ChatTurn `json:"history,omitempty"`
}

// QuestionResponse is what the caller sees.
type QuestionResponse struct {
	Answer        string   `json:"answer"`
	Explanation   string   `json:"explanation"`
	Sources       []Source `json:"sources"`
	Confidence    float64  `json:"confidence"`
	ChapterUsed   *int     `json:"chapter_used"`
	RevisedQuery  string   `json:"revised_query,omitempty"`
	Grounded      bool     `json:"grounded"`
	LowConfidence bool     `json:"low_confidence"`
	Routing       Scope    `json:"routing"`
}

// InteractionRecord is one row of the chat log.
type InteractionRecord struct {
	SessionID     string
	ClassLevel    int
	Subject       string
	Language      string
	OriginalQuery string
	RevisedQuery  string
	History       []ChatTurn
	Routing       Scope
	Sources       []Source
	Answer        string
	Explanation   string
	Confidence    float64
	ChapterUsed   *int
	Grounded      bool
	CreatedAt     time.Time
}
