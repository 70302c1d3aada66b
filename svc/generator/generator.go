// Package generator produces resume-related documents with an OpenAI
// compatible chat completion API and archives them as artifacts.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/dmitrymomot/resumekit/pkg/file"
	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/pkg/requestid"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

var (
	ErrNotConfigured    = errors.New("generator: OPENAI_API_KEY is not set")
	ErrInvalidInput     = errors.New("generator: invalid input")
	ErrUnsupported      = errors.New("generator: feature has no prompt")
	ErrGenerationFailed = errors.New("generator: generation failed")
)

type Config struct {
	APIKey      string        `env:"OPENAI_API_KEY"`
	BaseURL     string        `env:"OPENAI_BASE_URL"`
	Model       string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	Timeout     time.Duration `env:"OPENAI_TIMEOUT" envDefault:"60s"`
	MaxTokens   int           `env:"OPENAI_MAX_TOKENS" envDefault:"1500"`
	Temperature float32       `env:"OPENAI_TEMPERATURE" envDefault:"0.4"`
}

// Input is the user-supplied material. Each feature reads the fields it needs.
type Input struct {
	Profile        string `json:"profile"`
	Resume         string `json:"resume"`
	JobDescription string `json:"jobDescription"`
	Role           string `json:"role"`
	Location       string `json:"location"`
	Notes          string `json:"notes"`
}

// Request is one generation on behalf of a user.
type Request struct {
	UserID  uuid.UUID
	Feature plans.Feature
	Input   Input
	// ArtifactID names the stored artifact; the debit event id keeps
	// artifacts traceable to the credits spent on them.
	ArtifactID uuid.UUID
}

type Result struct {
	Content          string
	Model            string
	ArtifactKey      string
	ArtifactURL      string
	PromptTokens     int
	CompletionTokens int
}

// Service generates documents. It is safe for concurrent use.
type Service struct {
	client    *openai.Client
	cfg       Config
	artifacts file.Storage
	log       *slog.Logger
}

type Option func(*Service)

// WithArtifacts stores every generated document in s.
func WithArtifacts(s file.Storage) Option {
	return func(svc *Service) { svc.artifacts = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.log = l
		}
	}
}

// WithHTTPClient replaces the HTTP client; its transport is still wrapped
// to forward the request id.
func WithHTTPClient(c *http.Client) Option {
	return func(svc *Service) {
		cc := openai.DefaultConfig(svc.cfg.APIKey)
		if svc.cfg.BaseURL != "" {
			cc.BaseURL = svc.cfg.BaseURL
		}
		hc := *c
		hc.Transport = &requestid.Transport{Base: c.Transport}
		cc.HTTPClient = &hc
		svc.client = openai.NewClientWithConfig(cc)
	}
}

func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	cc.HTTPClient = &http.Client{Transport: &requestid.Transport{}}

	s := &Service{
		client: openai.NewClientWithConfig(cc),
		cfg:    cfg,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate runs the prompt of req.Feature. A failed artifact upload is
// logged and leaves ArtifactKey empty; the content is still returned.
func (s *Service) Generate(ctx context.Context, req Request) (Result, error) {
	p, ok := prompts[req.Feature]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, req.Feature)
	}
	if err := p.validate(req.Input); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		User:        req.UserID.String(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.system},
			{Role: openai.ChatMessageRoleUser, Content: p.user(req.Input)},
		},
	})
	if err != nil {
		return Result{}, errors.Join(ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Result{}, fmt.Errorf("%w: empty completion", ErrGenerationFailed)
	}

	res := Result{
		Content:          strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	s.log.DebugContext(ctx, "document generated",
		logger.UserID(req.UserID),
		logger.Feature(string(req.Feature)),
		logger.Duration(time.Since(started)),
		slog.Int("completion_tokens", res.CompletionTokens),
	)

	if s.artifacts != nil {
		s.archive(ctx, req, &res)
	}
	return res, nil
}

func (s *Service) archive(ctx context.Context, req Request, res *Result) {
	id := req.ArtifactID
	if id == uuid.Nil {
		id = uuid.New()
	}
	key := ArtifactKey(req.UserID, req.Feature, id)
	obj, err := s.artifacts.Put(context.WithoutCancel(ctx), key, []byte(res.Content), "text/markdown; charset=utf-8")
	if err != nil {
		s.log.WarnContext(ctx, "failed to store artifact",
			logger.UserID(req.UserID), logger.Feature(string(req.Feature)), logger.Error(err))
		return
	}
	res.ArtifactKey, res.ArtifactURL = obj.Key, obj.URL
}

// ArtifactKey is the storage key of a generated document.
func ArtifactKey(userID uuid.UUID, feature plans.Feature, id uuid.UUID) string {
	return fmt.Sprintf("users/%s/%s/%s.md", userID, feature, id)
}
