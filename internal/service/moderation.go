package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"LoopIn/internal/config"
	"LoopIn/internal/pkg"
)

const (
	ReasonModerationTimeout     = "moderation timeout"
	ReasonModerationUnavailable = "moderation unavailable"
	defaultFlagReason           = "Mild language detected"
)

type Verdict struct {
	Flagged bool
	Reason  string
}

// Classifier 同一输入必须得到同一结果
type Classifier interface {
	Classify(ctx context.Context, body string) (Verdict, error)
}

// KeywordClassifier 命中词表中任一单词即标记
type KeywordClassifier struct {
	words  map[string]struct{}
	reason string
}

func NewKeywordClassifier(words []string, reason string) *KeywordClassifier {
	if reason == "" {
		reason = defaultFlagReason
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			set[w] = struct{}{}
		}
	}
	return &KeywordClassifier{words: set, reason: reason}
}

func (k *KeywordClassifier) Classify(_ context.Context, body string) (Verdict, error) {
	tokens := strings.FieldsFunc(strings.ToLower(body), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	for _, t := range tokens {
		if _, hit := k.words[strings.Trim(t, "'")]; hit {
			return Verdict{Flagged: true, Reason: k.reason}, nil
		}
	}
	return Verdict{}, nil
}

// AllowAllClassifier 永远判定为 clean
type AllowAllClassifier struct{}

func (AllowAllClassifier) Classify(context.Context, string) (Verdict, error) {
	return Verdict{}, nil
}

// NewClassifier 按配置选择实现
func NewClassifier(cfg config.ModerationConfig) (Classifier, error) {
	switch cfg.Classifier {
	case "", "keyword":
		return NewKeywordClassifier(cfg.Keywords, cfg.Reason), nil
	case "allow_all":
		return AllowAllClassifier{}, nil
	default:
		return nil, fmt.Errorf("unknown moderation classifier %q", cfg.Classifier)
	}
}

// ModerationGate 给分类器加超时；超时或出错都按 flagged 放行
type ModerationGate struct {
	classifier Classifier
	timeout    time.Duration
	logger     *slog.Logger
}

func NewModerationGate(classifier Classifier, timeout time.Duration, logger *slog.Logger) *ModerationGate {
	return &ModerationGate{
		classifier: classifier,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "moderation")),
	}
}

func (g *ModerationGate) Timeout() time.Duration { return g.timeout }

type classifyResult struct {
	verdict Verdict
	err     error
}

// Decide 总会返回可用的 Verdict；error 只用于记录降级原因
func (g *ModerationGate) Decide(ctx context.Context, body string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		v, err := g.classifier.Classify(ctx, body)
		done <- classifyResult{verdict: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			moderationOutcomesTotal.WithLabelValues("error").Inc()
			return Verdict{Flagged: true, Reason: ReasonModerationUnavailable}, pkg.Wrap(pkg.CodeInternal, "classifier failed", r.err)
		}
		if r.verdict.Flagged {
			if r.verdict.Reason == "" {
				r.verdict.Reason = defaultFlagReason
			}
			moderationOutcomesTotal.WithLabelValues("flagged").Inc()
		} else {
			r.verdict.Reason = ""
			moderationOutcomesTotal.WithLabelValues("clean").Inc()
		}
		return r.verdict, nil
	case <-ctx.Done():
		moderationOutcomesTotal.WithLabelValues("timeout").Inc()
		return Verdict{Flagged: true, Reason: ReasonModerationTimeout}, pkg.ErrModerationTimeout
	}
}
