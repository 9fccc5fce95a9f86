package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/abadojack/whatlanggo"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/retriever"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// minLangConfidence is the detector confidence under which the language
// defaults to English.
const minLangConfidence = 0.5

// runSafety moderates the user message. A flagged verdict is terminal; a
// moderation outage is recorded and the message passes through.
func (s *ChatService) runSafety(ctx domain.Context, pctx *domain.ProcessingContext) {
	if !s.moderationActive() || !s.cfg.Pipeline.SafetyEnabled {
		return
	}
	verdict, err := poolRun(ctx, s.pools, workerpool.PoolIO, "moderation.pre",
		func(c domain.Context) (domain.ModerationVerdict, error) {
			return s.moderator.Check(c, pctx.Message)
		})
	if err != nil {
		observability.ModerationVerdictsTotal.WithLabelValues("pre", "error").Inc()
		pctx.RecordError(StepSafety, KindModerationUnavailable, err.Error(), false)
		return
	}
	if verdict.Flagged {
		observability.ModerationVerdictsTotal.WithLabelValues("pre", "flagged").Inc()
		slog.InfoContext(ctx, "moderation flagged input",
			slog.String("request_id", pctx.RequestID),
			slog.Any("categories", verdict.Categories))
		pctx.RecordError(StepSafety, KindModerationUnsafe, strings.Join(verdict.Categories, ","), true)
		return
	}
	observability.ModerationVerdictsTotal.WithLabelValues("pre", "clean").Inc()
}

// runLanguage sets the detected ISO code. Detection never fails the
// pipeline; low confidence means English.
func (s *ChatService) runLanguage(pctx *domain.ProcessingContext) {
	if !s.cfg.Pipeline.LangDetect {
		return
	}
	info := whatlanggo.Detect(pctx.Message)
	if info.Confidence < minLangConfidence {
		pctx.DetectedLanguage = "en"
		return
	}
	pctx.DetectedLanguage = isoCode(whatlanggo.LangToString(info.Lang))
}

// runRetrieval fans the query out through the executor and folds the
// results into the context. Passthrough adapters join only when their
// behavior or attached files ask for it. Adapter failures are recorded and
// the pipeline continues with whatever arrived.
func (s *ChatService) runRetrieval(ctx domain.Context, pctx *domain.ProcessingContext) {
	if !s.cfg.Pipeline.RetrievalEnabled || s.cfg.General.InferenceOnly || s.executor == nil {
		return
	}
	desc, ok := s.registry.Descriptor(pctx.AdapterName)
	if !ok || !retrievalWanted(desc, pctx.FileIDs) {
		return
	}

	results, err := s.executor.Execute(ctx, retriever.Request{
		Query:    pctx.Message,
		Adapters: []string{desc.Name},
		Opts: domain.RetrieveOptions{
			RequestID:         pctx.RequestID,
			SessionID:         pctx.SessionID,
			UserID:            pctx.UserID,
			APIKeyFingerprint: pctx.APIKeyFingerprint,
			FileIDs:           pctx.FileIDs,
		},
	})
	if err != nil {
		pctx.RecordError(StepRetrieval, KindExecutor, err.Error(), false)
		return
	}
	for _, r := range results {
		if r.Success() {
			pctx.RetrievedDocs = append(pctx.RetrievedDocs, r.Documents...)
			pctx.RetrievalMeta.Merge(r.Meta)
			continue
		}
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
			pctx.RecordError(StepRetrieval, r.Kind, fmt.Sprintf("%s: %v", r.AdapterName, r.Err), false)
		}
	}
}

// retrievalWanted applies the passthrough opt-in rule: always and never are
// explicit, conditional means files attached.
func retrievalWanted(desc domain.AdapterDescriptor, fileIDs []string) bool {
	if desc.Type != domain.AdapterTypePassthrough {
		return true
	}
	switch desc.Capabilities.RetrievalBehavior {
	case domain.RetrievalAlways:
		return true
	case domain.RetrievalNever:
		return false
	default:
		return len(fileIDs) > 0
	}
}

// runRerank reorders retrieved documents. Any failure keeps the original
// order; a successful rerank may also narrow to the reranker's top_n.
func (s *ChatService) runRerank(ctx domain.Context, pctx *domain.ProcessingContext) {
	if !s.cfg.Pipeline.RerankEnabled || !s.cfg.Rerankers.Enabled || s.reranker == nil || len(pctx.RetrievedDocs) < 2 {
		return
	}
	ranked, err := poolRun(ctx, s.pools, workerpool.PoolIO, "rerank",
		func(c domain.Context) ([]domain.ContextDocument, error) {
			return s.reranker.Rerank(c, pctx.Message, pctx.RetrievedDocs)
		})
	if err != nil {
		pctx.RecordError(StepRerank, KindUpstream, err.Error(), false)
		return
	}
	if len(ranked) == 0 {
		return
	}
	pctx.RetrievedDocs = ranked
}

// runInference builds the prompt and calls the model on the inference pool.
// Provider errors are terminal; the handler maps them to 502.
func (s *ChatService) runInference(ctx domain.Context, pctx *domain.ProcessingContext, clientContext []domain.ChatMessage) error {
	prompt := s.buildPrompt(ctx, pctx, clientContext)
	out, err := poolRun(ctx, s.pools, workerpool.PoolInference, "llm.chat",
		func(c domain.Context) (string, error) {
			return s.llm.Chat(c, prompt, s.genOptions())
		})
	if err != nil {
		pctx.RecordError(StepInference, KindUpstream, err.Error(), true)
		return err
	}
	pctx.LLMResponse = out
	return nil
}

// runPostValidation moderates the model output. Flagged output is replaced
// with the refusal and the verdict stays visible in the recorded errors.
func (s *ChatService) runPostValidation(ctx domain.Context, pctx *domain.ProcessingContext) {
	if !s.moderationActive() || !s.cfg.Pipeline.PostValidation || pctx.LLMResponse == "" {
		return
	}
	verdict, err := poolRun(ctx, s.pools, workerpool.PoolIO, "moderation.post",
		func(c domain.Context) (domain.ModerationVerdict, error) {
			return s.moderator.Check(c, pctx.LLMResponse)
		})
	if err != nil {
		observability.ModerationVerdictsTotal.WithLabelValues("post", "error").Inc()
		pctx.RecordError(StepPostValidation, KindModerationUnavailable, err.Error(), false)
		return
	}
	if verdict.Flagged {
		observability.ModerationVerdictsTotal.WithLabelValues("post", "flagged").Inc()
		slog.InfoContext(ctx, "moderation flagged output",
			slog.String("request_id", pctx.RequestID),
			slog.Any("categories", verdict.Categories))
		pctx.RecordError(StepPostValidation, KindModerationUnsafe, strings.Join(verdict.Categories, ","), false)
		pctx.LLMResponse = s.refusal()
		return
	}
	observability.ModerationVerdictsTotal.WithLabelValues("post", "clean").Inc()
}

func (s *ChatService) moderationActive() bool {
	return s.moderator != nil && s.cfg.Moderators.Enabled
}

// languageDirective returns the reply-language instruction for non-English
// input. Adapters that bring their own system prompt own language handling.
func (s *ChatService) languageDirective(pctx *domain.ProcessingContext) string {
	if pctx.DetectedLanguage == "" || pctx.DetectedLanguage == "en" {
		return ""
	}
	if pctx.SystemPrompt != "" {
		return ""
	}
	return fmt.Sprintf("Respond in %s.", languageName(pctx.DetectedLanguage))
}

// iso6393to6391 covers the languages the detector reports most reliably;
// anything else keeps its three-letter code.
var iso6393to6391 = map[string]string{
	"eng": "en", "spa": "es", "fra": "fr", "deu": "de", "ita": "it",
	"por": "pt", "rus": "ru", "ukr": "uk", "pol": "pl", "nld": "nl",
	"swe": "sv", "dan": "da", "fin": "fi", "nob": "no", "tur": "tr",
	"ara": "ar", "heb": "he", "hin": "hi", "ben": "bn", "urd": "ur",
	"cmn": "zh", "jpn": "ja", "kor": "ko", "vie": "vi", "tha": "th",
	"ind": "id", "ell": "el", "ces": "cs", "slk": "sk", "ron": "ro",
	"hun": "hu", "bul": "bg", "srp": "sr", "hrv": "hr", "cat": "ca",
}

var languageNames = map[string]string{
	"en": "English", "es": "Spanish", "fr": "French", "de": "German",
	"it": "Italian", "pt": "Portuguese", "ru": "Russian", "uk": "Ukrainian",
	"pl": "Polish", "nl": "Dutch", "sv": "Swedish", "da": "Danish",
	"fi": "Finnish", "no": "Norwegian", "tr": "Turkish", "ar": "Arabic",
	"he": "Hebrew", "hi": "Hindi", "bn": "Bengali", "ur": "Urdu",
	"zh": "Chinese", "ja": "Japanese", "ko": "Korean", "vi": "Vietnamese",
	"th": "Thai", "id": "Indonesian", "el": "Greek", "cs": "Czech",
	"sk": "Slovak", "ro": "Romanian", "hu": "Hungarian", "bg": "Bulgarian",
	"sr": "Serbian", "hr": "Croatian", "ca": "Catalan",
}

func isoCode(iso3 string) string {
	if code, ok := iso6393to6391[iso3]; ok {
		return code
	}
	return iso3
}

func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}
