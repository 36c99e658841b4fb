// Package pipeline turns a prompt into generated images: discover models,
// resolve one, dispatch the prompt and fabricate the result references.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pixchat/internal/failure"
	"pixchat/internal/models"
	"pixchat/internal/service/catalog"
	"pixchat/internal/service/ollama"
)

// ImageCount is the number of images produced per successful generation.
const ImageCount = 2

const describePrompt = `Generate a detailed description of an image based on this prompt: "%s". Focus on visual details, composition, style, and artistic elements.`

// Generator is the part of the serving client the pipeline dispatches to.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (*ollama.GenerateResponse, error)
	BaseURL() string
}

// Discoverer supplies the current model list, typically a session's catalog.
type Discoverer interface {
	Discover(ctx context.Context) []models.OllamaModel
}

// Request is one generation. Catalog is required.
type Request struct {
	Prompt   string
	Override *models.SelectedModel
	Catalog  Discoverer
}

// Options tune a Pipeline; zero values select the defaults.
type Options struct {
	PlaceholderURL string
	Task           catalog.Task
	Now            func() time.Time
	Logger         *zap.Logger
}

type Pipeline struct {
	gen         Generator
	placeholder string
	task        catalog.Task
	now         func() time.Time
	logger      *zap.Logger
	runnable    compose.Runnable[*genState, []models.GeneratedImage]
}

type genState struct {
	req     Request
	model   string
	capable bool
	caption string
	err     *failure.Error
}

// New compiles the generation chain once; the result is safe for concurrent use.
func New(gen Generator, opts Options) (*Pipeline, error) {
	if gen == nil {
		return nil, errors.New("generator required")
	}
	p := &Pipeline{
		gen:         gen,
		placeholder: opts.PlaceholderURL,
		task:        opts.Task,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if p.placeholder == "" {
		p.placeholder = "https://picsum.photos/512/512"
	}
	if p.task == "" {
		p.task = catalog.TaskImageGeneration
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("pipeline")

	chain := compose.NewChain[*genState, []models.GeneratedImage]()
	chain.
		AppendLambda(compose.InvokableLambda(p.resolve)).
		AppendLambda(compose.InvokableLambda(p.dispatch)).
		AppendLambda(compose.InvokableLambda(p.produce))
	runnable, err := chain.Compile(context.Background())
	if err != nil {
		return nil, fmt.Errorf("compile generation chain: %w", err)
	}
	p.runnable = runnable
	return p, nil
}

// Generate runs one prompt to completion. It returns exactly ImageCount
// images or a *failure.Error; there are no partial results.
func (p *Pipeline) Generate(ctx context.Context, req Request) ([]models.GeneratedImage, error) {
	if req.Catalog == nil {
		return nil, errors.New("catalog required")
	}
	st := &genState{req: req}
	images, err := p.runnable.Invoke(ctx, st)
	if st.err != nil {
		return nil, st.err
	}
	if err != nil {
		return nil, fmt.Errorf("run generation: %w", err)
	}
	return images, nil
}

func (p *Pipeline) resolve(ctx context.Context, st *genState) (*genState, error) {
	available := st.req.Catalog.Discover(ctx)
	if len(available) == 0 {
		return st, st.fail(failure.Connectivity(p.gen.BaseURL(), nil))
	}
	name, ok := catalog.Resolve(st.req.Override, models.ModelNames(available), p.task)
	if !ok {
		return st, st.fail(failure.NoModel())
	}
	st.model = name
	st.capable = catalog.IsCapableOf(name, catalog.CapabilityImageGeneration)
	return st, nil
}

func (p *Pipeline) dispatch(ctx context.Context, st *genState) (*genState, error) {
	prompt := st.req.Prompt
	if !st.capable {
		prompt = fmt.Sprintf(describePrompt, st.req.Prompt)
	}
	start := p.now()
	resp, err := p.gen.Generate(ctx, st.model, prompt)
	if err != nil {
		var fe *failure.Error
		if !errors.As(err, &fe) {
			fe = &failure.Error{Kind: failure.KindUnknown, Message: err.Error(), Inner: err}
		}
		return st, st.fail(fe)
	}
	p.logger.Info("prompt dispatched",
		zap.String("model", st.model),
		zap.Bool("image_capable", st.capable),
		zap.Duration("elapsed", p.now().Sub(start)),
	)
	st.caption = resp.Response
	if st.caption == "" {
		st.caption = st.req.Prompt
	}
	return st, nil
}

func (p *Pipeline) produce(_ context.Context, st *genState) ([]models.GeneratedImage, error) {
	now := p.now()
	nonce := now.UnixMilli()
	images := make([]models.GeneratedImage, 0, ImageCount)
	for i := 0; i < ImageCount; i++ {
		images = append(images, models.GeneratedImage{
			ID:        "img-" + uuid.NewString(),
			URL:       p.imageURL(nonce+int64(i), st.req.Prompt),
			Prompt:    st.caption,
			Timestamp: now,
		})
	}
	return images, nil
}

func (p *Pipeline) imageURL(nonce int64, prompt string) string {
	sep := "?"
	if strings.Contains(p.placeholder, "?") {
		sep = "&"
	}
	escaped := strings.ReplaceAll(url.QueryEscape(prompt), "+", "%20")
	return fmt.Sprintf("%s%srandom=%d&prompt=%s", p.placeholder, sep, nonce, escaped)
}

func (st *genState) fail(fe *failure.Error) error {
	st.err = fe
	return fe
}
