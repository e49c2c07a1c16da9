package chat

// Request is one question with its optional metadata filter.
type Request struct {
	Question string `json:"question"`
	Semester string `json:"semester,omitempty"`
	Course   string `json:"course,omitempty"`
	K        int    `json:"k,omitempty"`
}

// Source is a retrieved passage as shown to the caller.
type Source struct {
	Text       string  `json:"text"`
	Course     string  `json:"course"`
	Semester   string  `json:"semester"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Page       int     `json:"page,omitempty"`
	SourcePath string  `json:"source_path,omitempty"`
	Score      float64 `json:"score"`
}

type Response struct {
	Answer        string   `json:"answer"`
	Sources       []Source `json:"sources"`
	AccuracyScore float64  `json:"accuracy_score"`
	ScoringMethod string   `json:"scoring_method"`
}

// Answer is the generated text and the score it received.
type Answer struct {
	Text  string
	Score Score
}
