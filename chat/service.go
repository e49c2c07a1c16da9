// Package chat answers questions from retrieved course passages and scores how well
// each answer is supported by them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/llm"
	"github.com/fabfab/campusqa/logging"
	"github.com/fabfab/campusqa/metrics"
	"github.com/fabfab/campusqa/retrieval"
	"github.com/fabfab/campusqa/retry"
)

// ErrGenerationUnavailable means no answer could be generated for the request.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// PassageRetriever finds passages relevant to a question.
type PassageRetriever interface {
	Retrieve(ctx context.Context, query string, k int, filter retrieval.Filter) ([]retrieval.Passage, error)
}

var _ PassageRetriever = (*retrieval.Retriever)(nil)

type Options struct {
	Retry             retry.Policy
	ScoringEnabled    bool
	GenerationTimeout time.Duration
	ScoringTimeout    time.Duration
	Logger            *zerolog.Logger
	Metrics           *metrics.Metrics
}

type Service struct {
	retriever PassageRetriever
	generator llm.Client
	scorer    llm.Client
	policy    retry.Policy
	scoring   bool
	genTO     time.Duration
	scoreTO   time.Duration
	logger    *zerolog.Logger
	metrics   *metrics.Metrics
}

// NewService wires the answer pipeline. scorer may be nil, in which case every
// answer is scored by lexical overlap.
func NewService(retriever PassageRetriever, generator, scorer llm.Client, opts Options) (*Service, error) {
	if retriever == nil {
		return nil, fmt.Errorf("retriever is not configured")
	}
	if generator == nil {
		return nil, fmt.Errorf("llm client is not configured")
	}

	s := &Service{
		retriever: retriever,
		generator: generator,
		scorer:    scorer,
		policy:    opts.Retry,
		scoring:   opts.ScoringEnabled && scorer != nil,
		genTO:     opts.GenerationTimeout,
		scoreTO:   opts.ScoringTimeout,
		logger:    logging.Component(opts.Logger, "chat"),
		metrics:   opts.Metrics,
	}

	userHook := s.policy.OnRetry
	s.policy.OnRetry = func(err error, wait time.Duration) {
		s.metrics.RecordRetry("generate")
		s.logger.Warn().Err(err).Dur("wait", wait).Msg("generation call failed, retrying")
		if userHook != nil {
			userHook(err, wait)
		}
	}
	return s, nil
}

// Ask retrieves passages for the request and answers from them. With no matching
// passages the model is still asked and is expected to say it does not know.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Response{}, fmt.Errorf("question cannot be empty")
	}

	filter := retrieval.Filter{Course: req.Course, Semester: req.Semester}
	passages, err := s.retriever.Retrieve(ctx, question, req.K, filter)
	if err != nil {
		return Response{}, fmt.Errorf("retrieve passages: %w", err)
	}
	if len(passages) == 0 {
		s.logger.Info().
			Str("course", req.Course).
			Str("semester", req.Semester).
			Msg("no passages matched, answering without context")
	}

	answer, err := s.Answer(ctx, question, passages)
	if err != nil {
		return Response{}, err
	}

	return Response{
		Answer:        answer.Text,
		Sources:       toSources(passages),
		AccuracyScore: answer.Score.Value,
		ScoringMethod: answer.Score.Method,
	}, nil
}

// Answer generates an answer grounded in passages and scores it. Only generation
// can fail; scoring falls back to lexical overlap.
func (s *Service) Answer(ctx context.Context, question string, passages []retrieval.Passage) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question cannot be empty")
	}

	contextPrompt := buildContextPrompt(passages)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt()},
		{Role: llm.RoleUser, Content: formatUserPrompt(question, contextPrompt)},
	}

	text, err := s.generate(ctx, messages)
	if err != nil {
		return Answer{}, err
	}

	score := s.score(ctx, question, joinPassages(passages), text)
	s.logger.Debug().
		Int("passages", len(passages)).
		Str("scoring_method", score.Method).
		Float64("accuracy_score", score.Value).
		Msg("answered question")

	return Answer{Text: text, Score: score}, nil
}

func (s *Service) generate(ctx context.Context, messages []llm.Message) (string, error) {
	var answer string

	err := s.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := withTimeout(ctx, s.genTO)
		defer cancel()

		started := time.Now()
		out, err := s.generator.Generate(callCtx, messages)
		s.metrics.RecordLLMCall("generate", time.Since(started), err)
		if err != nil {
			if ctx.Err() != nil || !retry.IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		answer = out
		return nil
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("llm generate: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	return answer, nil
}

func (s *Service) score(ctx context.Context, question, grounding, answer string) Score {
	if s.scoring {
		value, err := s.rate(ctx, question, grounding, answer)
		if err == nil {
			s.metrics.RecordScore(metrics.ScoringModel)
			return ScoredViaModel(value)
		}
		s.logger.Warn().Err(err).Msg("model scoring failed, using lexical overlap")
	}

	s.metrics.RecordScore(metrics.ScoringHeuristic)
	return ScoredViaHeuristic(LexicalOverlap(answer, grounding))
}

func (s *Service) rate(ctx context.Context, question, grounding, answer string) (float64, error) {
	callCtx, cancel := withTimeout(ctx, s.scoreTO)
	defer cancel()

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: scoringPrompt()},
		{Role: llm.RoleUser, Content: formatScoringPrompt(question, grounding, answer)},
	}

	started := time.Now()
	reply, err := s.scorer.Generate(callCtx, messages)
	s.metrics.RecordLLMCall("score", time.Since(started), err)
	if err != nil {
		return 0, fmt.Errorf("llm score: %w", err)
	}
	return parseRating(reply)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func toSources(passages []retrieval.Passage) []Source {
	sources := make([]Source, 0, len(passages))
	for i := range passages {
		p := &passages[i]
		sources = append(sources, Source{
			Text:       p.Text,
			Course:     p.Course,
			Semester:   p.Semester,
			ChunkID:    p.ChunkID,
			DocumentID: p.DocumentID,
			Page:       p.Page,
			SourcePath: p.SourcePath,
			Score:      p.Score,
		})
	}
	return sources
}

func joinPassages(passages []retrieval.Passage) string {
	texts := make([]string, 0, len(passages))
	for i := range passages {
		texts = append(texts, passages[i].Text)
	}
	return strings.Join(texts, "\n\n")
}

func buildContextPrompt(passages []retrieval.Passage) string {
	var sb strings.Builder
	for idx := range passages {
		p := &passages[idx]
		sb.WriteString(fmt.Sprintf("[Source %d] course: %s, semester: %s, document: %s", idx+1, orUnknown(p.Course), orUnknown(p.Semester), orUnknown(p.DocumentID)))
		if p.Page > 0 {
			sb.WriteString(fmt.Sprintf(", page %d", p.Page))
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(p.Text))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}

func systemPrompt() string {
	return "You are a campus assistant answering students' questions about their course material. Answer using only the context provided with the question. Cite the sources you used by number in brackets (e.g., [Source 1]). If the context is missing or insufficient to answer, say that you don't know instead of guessing."
}

func formatUserPrompt(question, grounding string) string {
	var sb strings.Builder
	sb.WriteString("Context:\n---\n")
	if strings.TrimSpace(grounding) == "" {
		sb.WriteString("(no context available)\n")
	} else {
		sb.WriteString(grounding)
	}
	sb.WriteString("\nQuestion:\n---\n")
	sb.WriteString(question)
	return sb.String()
}

func scoringPrompt() string {
	return "You grade answers given by a campus assistant. Rate how well the answer is supported by the context on a continuous scale from 0.0 (not supported at all) to 1.0 (fully supported). Reply with the number only."
}

func formatScoringPrompt(question, grounding, answer string) string {
	var sb strings.Builder
	sb.WriteString("Context:\n---\n")
	if strings.TrimSpace(grounding) == "" {
		sb.WriteString("(no context available)")
	} else {
		sb.WriteString(grounding)
	}
	sb.WriteString("\n\nQuestion:\n---\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer:\n---\n")
	sb.WriteString(answer)
	return sb.String()
}
